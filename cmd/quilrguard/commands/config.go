package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quilrbusiness/quilr-guard/internal/config"
)

// NewConfigCommand creates the config command group
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}

	cmd.AddCommand(newConfigValidateCommand())

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the gateway configuration",
		Long:  "Load the configuration the same way the server does and report any errors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}

			fmt.Println("Configuration OK")
			fmt.Printf("  guardrails enabled: %v\n", cfg.Guardrails.Enabled)
			for _, rail := range cfg.Guardrails.Guardrails {
				fmt.Printf("  - %s (provider=%s, modes=%v, enabled=%v, default_on=%v)\n",
					rail.Name, rail.Provider, rail.Mode, rail.Enabled, rail.DefaultOn)
			}
			if len(cfg.Guardrails.ApplyForModels) > 0 {
				fmt.Printf("  model filter: %v\n", cfg.Guardrails.ApplyForModels)
			}
			if len(cfg.Guardrails.ApplyForKeyNames) > 0 {
				fmt.Printf("  key-name filter: %v\n", cfg.Guardrails.ApplyForKeyNames)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	return cmd
}
