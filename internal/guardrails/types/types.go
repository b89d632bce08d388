package types

import (
	"context"
	"time"
)

// GuardrailMode defines when a guardrail executes relative to the upstream call
type GuardrailMode string

const (
	PreCall    GuardrailMode = "pre_call"    // Execute before the upstream call; block gates the call
	PostCall   GuardrailMode = "post_call"   // Execute after the upstream call against the response
	DuringCall GuardrailMode = "during_call" // Execute concurrently with the upstream call
)

func (m GuardrailMode) String() string {
	return string(m)
}

// IsValid reports whether the mode is one of the supported lifecycle hooks
func (m GuardrailMode) IsValid() bool {
	switch m {
	case PreCall, PostCall, DuringCall:
		return true
	default:
		return false
	}
}

// VerdictStatus is the decision returned by the guardrail service for a payload
type VerdictStatus string

const (
	VerdictSafe     VerdictStatus = "safe"     // Content passes unchanged
	VerdictBlocked  VerdictStatus = "blocked"  // Content must not proceed
	VerdictRedacted VerdictStatus = "redacted" // Content proceeds with remediated payload
)

// ErrorPolicy governs what happens when the remote guardrail service fails
type ErrorPolicy string

const (
	FailClosed ErrorPolicy = "block" // Remote failure blocks the request
	FailOpen   ErrorPolicy = "allow" // Remote failure lets the request through
)

// Message is a single chat message as seen on the wire (OpenAI format)
type Message struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"`
	Name       string      `json:"name,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ChatRequest is the subset of an OpenAI-compatible chat completion request
// the guardrail layer needs to inspect and rewrite.
type ChatRequest struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Stream     bool      `json:"stream,omitempty"`
	User       string    `json:"user,omitempty"`
	Guardrails []string  `json:"guardrails,omitempty"`
}

// ChatResponse is the subset of an OpenAI-compatible chat completion response
// inspected on the post-call path.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message,omitempty"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// GuardrailInput carries one intercepted call into a guardrail evaluation
type GuardrailInput struct {
	// One or both are present depending on the execution mode
	Request  *ChatRequest  `json:"request,omitempty"`
	Response *ChatResponse `json:"response,omitempty"`

	// Call context supplied by the host
	Model     string `json:"model,omitempty"`
	KeyName   string `json:"key_name,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// GuardrailResult is the translated verdict for one guardrail execution
type GuardrailResult struct {
	Passed   bool `json:"passed"`
	Blocked  bool `json:"blocked"`
	Modified bool `json:"modified"`

	Reason     string   `json:"reason,omitempty"`
	Categories []string `json:"categories,omitempty"`

	// Remediated payloads when Modified is set
	ModifiedRequest  *ChatRequest  `json:"modified_request,omitempty"`
	ModifiedResponse *ChatResponse `json:"modified_response,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
	GuardrailName string        `json:"guardrail_name"`
	CacheHit      bool          `json:"cache_hit,omitempty"`
}

// Guardrail is implemented by every guardrail provider
type Guardrail interface {
	Execute(ctx context.Context, input *GuardrailInput) (*GuardrailResult, error)
	GetName() string
	GetMode() GuardrailMode
	IsEnabled() bool
	IsDefaultOn() bool
	HealthCheck(ctx context.Context) error
}

// GuardrailStats tracks per-guardrail execution counters
type GuardrailStats struct {
	TotalExecutions int64         `json:"total_executions"`
	TotalPassed     int64         `json:"total_passed"`
	TotalBlocked    int64         `json:"total_blocked"`
	TotalModified   int64         `json:"total_modified"`
	TotalErrors     int64         `json:"total_errors"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastExecuted    time.Time     `json:"last_executed"`
}

// HealthStatus represents the health of a single guardrail
type HealthStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
}
