package guardrails

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/cache"
	"github.com/quilrbusiness/quilr-guard/internal/config"
)

// Constructor builds one guardrail instance for one execution mode.
// Providers register themselves by name; the YAML `provider:` key selects
// the constructor at startup, so there is no dynamic class loading.
type Constructor func(railCfg config.GuardrailConfig, providers config.ProviderConfigs, mode GuardrailMode, deps Deps) (Guardrail, error)

// Deps carries shared infrastructure into provider constructors
type Deps struct {
	Logger *zap.Logger
	Cache  *cache.VerdictCache
}

// Registry maps provider names to guardrail constructors
type Registry struct {
	constructors map[string]Constructor
	logger       *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		logger:       logger.Named("guardrail_registry"),
	}
}

// RegisterProvider adds a constructor under a provider name
func (r *Registry) RegisterProvider(name string, ctor Constructor) error {
	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("guardrail provider %s already registered", name)
	}
	r.constructors[name] = ctor
	return nil
}

// Providers lists the registered provider names
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}

// BuildExecutor instantiates every configured guardrail and registers it
// with a new executor. A guardrail declared with several modes gets one
// instance per mode so each instance sits in exactly one executor bucket.
func (r *Registry) BuildExecutor(cfg *config.GuardrailsConfig, filter *RequestFilter, deps Deps) (*Executor, error) {
	executor := NewExecutor(cfg, filter, deps.Logger)
	if !cfg.Enabled {
		r.logger.Info("Guardrails disabled in configuration")
		return executor, nil
	}

	for _, railCfg := range cfg.Guardrails {
		if !railCfg.Enabled {
			r.logger.Info("Skipping disabled guardrail", zap.String("name", railCfg.Name))
			continue
		}

		ctor, ok := r.constructors[railCfg.Provider]
		if !ok {
			return nil, fmt.Errorf("guardrail %s: unsupported provider: %s", railCfg.Name, railCfg.Provider)
		}

		for _, modeStr := range railCfg.Mode {
			mode, ok := ParseGuardrailMode(modeStr)
			if !ok {
				return nil, fmt.Errorf("guardrail %s: invalid execution mode: %s", railCfg.Name, modeStr)
			}

			rail, err := ctor(railCfg, cfg.Providers, mode, deps)
			if err != nil {
				return nil, fmt.Errorf("guardrail %s: %w", railCfg.Name, err)
			}
			if err := executor.Register(rail); err != nil {
				return nil, err
			}
		}

		r.logger.Info("Configured guardrail",
			zap.String("name", railCfg.Name),
			zap.String("provider", railCfg.Provider),
			zap.Strings("modes", railCfg.Mode))
	}

	return executor, nil
}
