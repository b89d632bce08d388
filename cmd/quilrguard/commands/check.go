package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewCheckCommand creates the ad-hoc content check command
func NewCheckCommand() *cobra.Command {
	var (
		text       string
		filePath   string
		apiKey     string
		baseURL    string
		timeout    time.Duration
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run an ad-hoc content check",
		Long: `Send a piece of text to the Quilr guardrails service and print the
verdict. Reads from --text, --file, or stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("QUILR_GUARDRAILS_KEY")
			}
			if apiKey == "" {
				return fmt.Errorf("QUILR_GUARDRAILS_KEY is not set")
			}
			if baseURL == "" {
				baseURL = os.Getenv("QUILR_GUARDRAILS_BASE_URL")
			}
			if baseURL == "" {
				baseURL = "https://guardrails.quilr.ai"
			}

			content, err := readContent(text, filePath, cmd.InOrStdin())
			if err != nil {
				return err
			}

			body, err := json.Marshal(map[string]string{"text": content})
			if err != nil {
				return err
			}

			url := strings.TrimSuffix(baseURL, "/") + "/sdk/v1/check"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+apiKey)

			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to call quilr service: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("quilr service returned status %d", resp.StatusCode)
			}

			var verdict struct {
				Status        string   `json:"status"`
				Categories    []string `json:"categories_detected"`
				ProcessedText string   `json:"processed_text"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(verdict)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", verdict.Status)
			if len(verdict.Categories) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "categories: %s\n", strings.Join(verdict.Categories, ", "))
			}
			if verdict.ProcessedText != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "processed text:\n%s\n", verdict.ProcessedText)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "text to check")
	cmd.Flags().StringVar(&filePath, "file", "", "file containing text to check")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Quilr API key (default: QUILR_GUARDRAILS_KEY)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Quilr base URL (default: QUILR_GUARDRAILS_BASE_URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output the raw verdict as JSON")

	return cmd
}

func readContent(text, filePath string, stdin io.Reader) (string, error) {
	switch {
	case text != "":
		return text, nil
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		if len(data) == 0 {
			return "", fmt.Errorf("no content: use --text, --file, or pipe to stdin")
		}
		return string(data), nil
	}
}
