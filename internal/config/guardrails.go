package config

import (
	"fmt"
	"time"
)

// GuardrailsConfig holds all guardrails configuration
type GuardrailsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Global request filters (comma-separated in env form). Both empty
	// means guardrails apply to every request; both set means AND.
	ApplyForModels   []string `mapstructure:"apply_for_models"`
	ApplyForKeyNames []string `mapstructure:"apply_for_key_names"`

	Guardrails []GuardrailConfig `mapstructure:"guardrails"`
	Providers  ProviderConfigs   `mapstructure:"providers"`
}

// GuardrailConfig declares a single guardrail instance
type GuardrailConfig struct {
	Name      string        `mapstructure:"guardrail_name"`
	Provider  string        `mapstructure:"provider"`
	Mode      []string      `mapstructure:"mode"` // pre_call, post_call, during_call
	Enabled   bool          `mapstructure:"enabled"`
	DefaultOn bool          `mapstructure:"default_on"` // apply without being named in the request
	APIKey    string        `mapstructure:"api_key"`    // overrides provider-level credential
	APIBase   string        `mapstructure:"api_base"`   // overrides provider-level base URL
	Timeout   time.Duration `mapstructure:"timeout"`
	OnError   string        `mapstructure:"on_error"` // allow (fail open) | block (fail closed)
	Retry     RetryConfig   `mapstructure:"retry"`
}

// ProviderConfigs holds provider-level global configuration
type ProviderConfigs struct {
	Quilr QuilrConfig `mapstructure:"quilr"`
}

// QuilrConfig configures the Quilr guardrails service connection
type QuilrConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig bounds retries around the remote guardrail call
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// Validate checks the guardrails section; called at startup
func (g *GuardrailsConfig) Validate() error {
	if !g.Enabled {
		return nil
	}

	seen := make(map[string]bool, len(g.Guardrails))
	for _, rail := range g.Guardrails {
		if rail.Name == "" {
			return fmt.Errorf("guardrail name is required")
		}
		if seen[rail.Name] {
			return fmt.Errorf("duplicate guardrail name: %s", rail.Name)
		}
		seen[rail.Name] = true

		if rail.Provider == "" {
			return fmt.Errorf("guardrail %s: provider is required", rail.Name)
		}
		if len(rail.Mode) == 0 {
			return fmt.Errorf("guardrail %s: at least one execution mode is required", rail.Name)
		}
		for _, mode := range rail.Mode {
			switch mode {
			case "pre_call", "post_call", "during_call":
			default:
				return fmt.Errorf("guardrail %s: invalid execution mode: %s", rail.Name, mode)
			}
		}
		switch rail.OnError {
		case "", "allow", "block":
		default:
			return fmt.Errorf("guardrail %s: invalid on_error policy: %s (want allow or block)", rail.Name, rail.OnError)
		}

		if rail.Provider == "quilr" {
			if rail.APIKey == "" && g.Providers.Quilr.APIKey == "" {
				return fmt.Errorf("guardrail %s: QUILR_GUARDRAILS_KEY is not set", rail.Name)
			}
			if rail.APIBase == "" && g.Providers.Quilr.BaseURL == "" {
				return fmt.Errorf("guardrail %s: quilr base_url is not set", rail.Name)
			}
		}
	}

	return nil
}

// DefaultGuardrailsConfig returns the built-in defaults
func DefaultGuardrailsConfig() GuardrailsConfig {
	return GuardrailsConfig{
		Enabled:    true,
		Guardrails: []GuardrailConfig{},
		Providers: ProviderConfigs{
			Quilr: QuilrConfig{
				BaseURL: "https://guardrails.quilr.ai",
				Timeout: 10 * time.Second,
			},
		},
	}
}
