package guardrails

import (
	"strings"

	"github.com/quilrbusiness/quilr-guard/internal/guardrails/types"
)

// Re-export types for convenience
type (
	GuardrailMode   = types.GuardrailMode
	VerdictStatus   = types.VerdictStatus
	ErrorPolicy     = types.ErrorPolicy
	ChatRequest     = types.ChatRequest
	ChatResponse    = types.ChatResponse
	Message         = types.Message
	Choice          = types.Choice
	GuardrailInput  = types.GuardrailInput
	GuardrailResult = types.GuardrailResult
	Guardrail       = types.Guardrail
	GuardrailStats  = types.GuardrailStats
	HealthStatus    = types.HealthStatus
)

// Re-export constants
const (
	PreCall    = types.PreCall
	PostCall   = types.PostCall
	DuringCall = types.DuringCall

	VerdictSafe     = types.VerdictSafe
	VerdictBlocked  = types.VerdictBlocked
	VerdictRedacted = types.VerdictRedacted

	FailClosed = types.FailClosed
	FailOpen   = types.FailOpen
)

// ParseGuardrailMode converts a config string to a GuardrailMode
func ParseGuardrailMode(mode string) (GuardrailMode, bool) {
	m := GuardrailMode(strings.TrimSpace(strings.ToLower(mode)))
	return m, m.IsValid()
}

// GuardrailError is surfaced to the host when a guardrail blocks a call or fails
type GuardrailError struct {
	GuardrailName string
	Reason        string
	Categories    []string
	Blocked       bool
}

func (e *GuardrailError) Error() string {
	if e.Blocked {
		return "Request blocked by guardrail '" + e.GuardrailName + "': " + e.Reason
	}
	return "Guardrail '" + e.GuardrailName + "' failed: " + e.Reason
}
