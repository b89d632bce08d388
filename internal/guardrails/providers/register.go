package providers

import (
	"github.com/quilrbusiness/quilr-guard/internal/config"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails/types"
)

// Register wires the built-in providers into a registry
func Register(registry *guardrails.Registry) error {
	return registry.RegisterProvider("quilr", newQuilrFromConfig)
}

// newQuilrFromConfig resolves the effective provider settings for one
// guardrail declaration: per-rail overrides win over the provider block.
func newQuilrFromConfig(railCfg config.GuardrailConfig, providers config.ProviderConfigs, mode types.GuardrailMode, deps guardrails.Deps) (types.Guardrail, error) {
	quilrCfg := providers.Quilr

	apiKey := quilrCfg.APIKey
	if railCfg.APIKey != "" {
		apiKey = railCfg.APIKey
	}
	baseURL := quilrCfg.BaseURL
	if railCfg.APIBase != "" {
		baseURL = railCfg.APIBase
	}
	timeout := quilrCfg.Timeout
	if railCfg.Timeout > 0 {
		timeout = railCfg.Timeout
	}

	onError := types.FailClosed
	if railCfg.OnError == "allow" {
		onError = types.FailOpen
	}

	return NewQuilrGuardrail(Options{
		Name:      railCfg.Name,
		Mode:      mode,
		Enabled:   railCfg.Enabled,
		DefaultOn: railCfg.DefaultOn,
		APIKey:    apiKey,
		BaseURL:   baseURL,
		Timeout:   timeout,
		OnError:   onError,
		Retry:     railCfg.Retry,
		Logger:    deps.Logger,
		Cache:     deps.Cache,
	})
}
