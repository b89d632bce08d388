package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quilrbusiness/quilr-guard/cmd/quilrguard/commands"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quilrguard",
		Short: "Quilr Guard management CLI",
		Long: `Operational tooling for the quilr-guard gateway: validate guardrail
configuration before deploying it and run ad-hoc content checks against the
Quilr guardrails service.`,
	}

	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewCheckCommand())

	return rootCmd
}
