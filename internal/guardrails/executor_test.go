package guardrails

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/config"
)

// fakeGuardrail is a scripted guardrail for executor tests
type fakeGuardrail struct {
	name      string
	mode      GuardrailMode
	enabled   bool
	defaultOn bool

	result *GuardrailResult
	err    error
	delay  time.Duration

	executions atomic.Int64
}

func (f *fakeGuardrail) Execute(ctx context.Context, input *GuardrailInput) (*GuardrailResult, error) {
	f.executions.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &GuardrailResult{Passed: true}, nil
}

func (f *fakeGuardrail) GetName() string                       { return f.name }
func (f *fakeGuardrail) GetMode() GuardrailMode                { return f.mode }
func (f *fakeGuardrail) IsEnabled() bool                       { return f.enabled }
func (f *fakeGuardrail) IsDefaultOn() bool                     { return f.defaultOn }
func (f *fakeGuardrail) HealthCheck(ctx context.Context) error { return nil }

func newTestExecutor(t *testing.T, rails ...Guardrail) *Executor {
	t.Helper()
	cfg := &config.GuardrailsConfig{Enabled: true}
	executor := NewExecutor(cfg, nil, zap.NewNop())
	for _, rail := range rails {
		require.NoError(t, executor.Register(rail))
	}
	return executor
}

func TestExecutor_Register_DuplicateNameAndMode(t *testing.T) {
	executor := newTestExecutor(t)

	rail := &fakeGuardrail{name: "quilr", mode: PreCall, enabled: true, defaultOn: true}
	require.NoError(t, executor.Register(rail))

	err := executor.Register(&fakeGuardrail{name: "quilr", mode: PreCall, enabled: true})
	assert.Error(t, err)

	// Same name in a different mode is allowed
	err = executor.Register(&fakeGuardrail{name: "quilr", mode: PostCall, enabled: true})
	assert.NoError(t, err)
}

func TestExecutor_PreCall_Allow(t *testing.T) {
	rail := &fakeGuardrail{name: "quilr", mode: PreCall, enabled: true, defaultOn: true}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}

	err := executor.ExecutePreCall(context.Background(), request, "prod-key", "req-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), rail.executions.Load())
}

func TestExecutor_PreCall_Block(t *testing.T) {
	rail := &fakeGuardrail{
		name: "quilr", mode: PreCall, enabled: true, defaultOn: true,
		result: &GuardrailResult{
			Blocked:    true,
			Reason:     "Content blocked by Quilr: secrets detected",
			Categories: []string{"secrets"},
		},
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "my password is hunter2"}}}

	err := executor.ExecutePreCall(context.Background(), request, "", "req-1")
	require.Error(t, err)

	var gerr *GuardrailError
	require.ErrorAs(t, err, &gerr)
	assert.True(t, gerr.Blocked)
	assert.Equal(t, "quilr", gerr.GuardrailName)
	assert.Equal(t, []string{"secrets"}, gerr.Categories)
}

func TestExecutor_PreCall_Redaction(t *testing.T) {
	redacted := &ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: "user", Content: "my email is [EMAIL]"}},
	}
	rail := &fakeGuardrail{
		name: "quilr", mode: PreCall, enabled: true, defaultOn: true,
		result: &GuardrailResult{Passed: true, Modified: true, ModifiedRequest: redacted},
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: "user", Content: "my email is bob@example.com"}},
	}

	err := executor.ExecutePreCall(context.Background(), request, "", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "my email is [EMAIL]", request.Messages[0].Content)
}

func TestExecutor_PreCall_SkipsDisabled(t *testing.T) {
	rail := &fakeGuardrail{name: "quilr", mode: PreCall, enabled: false, defaultOn: true}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hello"}}}

	err := executor.ExecutePreCall(context.Background(), request, "", "req-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), rail.executions.Load())
}

func TestExecutor_Selection_DefaultOnAndNamed(t *testing.T) {
	defaultOn := &fakeGuardrail{name: "quilr-default", mode: PreCall, enabled: true, defaultOn: true}
	optIn := &fakeGuardrail{name: "quilr-optin", mode: PreCall, enabled: true, defaultOn: false}
	executor := newTestExecutor(t, defaultOn, optIn)

	// Without naming anything only the default-on rail runs
	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}
	require.NoError(t, executor.ExecutePreCall(context.Background(), request, "", "req-1"))
	assert.Equal(t, int64(1), defaultOn.executions.Load())
	assert.Equal(t, int64(0), optIn.executions.Load())

	// Naming the opt-in rail runs both
	request = &ChatRequest{
		Model:      "gpt-4",
		Messages:   []Message{{Role: "user", Content: "hi"}},
		Guardrails: []string{"quilr-optin"},
	}
	require.NoError(t, executor.ExecutePreCall(context.Background(), request, "", "req-2"))
	assert.Equal(t, int64(2), defaultOn.executions.Load())
	assert.Equal(t, int64(1), optIn.executions.Load())
}

func TestExecutor_PostCall_Block(t *testing.T) {
	rail := &fakeGuardrail{
		name: "quilr-output", mode: PostCall, enabled: true, defaultOn: true,
		result: &GuardrailResult{Blocked: true, Reason: "Content blocked by Quilr"},
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}
	response := &ChatResponse{Choices: []Choice{{Message: Message{Role: "assistant", Content: "leaked data"}}}}

	err := executor.ExecutePostCall(context.Background(), request, response, "", "req-1")
	require.Error(t, err)

	var gerr *GuardrailError
	require.ErrorAs(t, err, &gerr)
	assert.True(t, gerr.Blocked)
}

func TestExecutor_PostCall_Redaction(t *testing.T) {
	redacted := &ChatResponse{Choices: []Choice{{Message: Message{Role: "assistant", Content: "[REDACTED]"}}}}
	rail := &fakeGuardrail{
		name: "quilr-output", mode: PostCall, enabled: true, defaultOn: true,
		result: &GuardrailResult{Passed: true, Modified: true, ModifiedResponse: redacted},
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4"}
	response := &ChatResponse{Choices: []Choice{{Message: Message{Role: "assistant", Content: "secret"}}}}

	err := executor.ExecutePostCall(context.Background(), request, response, "", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", response.Choices[0].Message.Content)
}

func TestExecutor_DuringCall_RunsConcurrently(t *testing.T) {
	rail := &fakeGuardrail{
		name: "quilr-during", mode: DuringCall, enabled: true, defaultOn: true,
		delay: 50 * time.Millisecond,
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}

	start := time.Now()
	handle := executor.StartDuringCall(context.Background(), request, "", "req-1")
	require.NotNil(t, handle)

	// StartDuringCall must return immediately
	assert.Less(t, time.Since(start), 25*time.Millisecond)

	err := handle.Wait(context.Background())
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestExecutor_DuringCall_BlockSurfacesOnWait(t *testing.T) {
	rail := &fakeGuardrail{
		name: "quilr-during", mode: DuringCall, enabled: true, defaultOn: true,
		result: &GuardrailResult{Blocked: true, Reason: "Content blocked by Quilr"},
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}

	handle := executor.StartDuringCall(context.Background(), request, "", "req-1")
	require.NotNil(t, handle)

	err := handle.Wait(context.Background())
	require.Error(t, err)

	var gerr *GuardrailError
	assert.ErrorAs(t, err, &gerr)
}

func TestExecutor_DuringCall_NoRails(t *testing.T) {
	executor := newTestExecutor(t)

	request := &ChatRequest{Model: "gpt-4"}
	handle := executor.StartDuringCall(context.Background(), request, "", "req-1")
	assert.Nil(t, handle)

	// A nil handle waits for nothing
	assert.NoError(t, handle.Wait(context.Background()))
}

func TestExecutor_ExecutionError(t *testing.T) {
	rail := &fakeGuardrail{
		name: "quilr", mode: PreCall, enabled: true, defaultOn: true,
		err: errors.New("boom"),
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}

	err := executor.ExecutePreCall(context.Background(), request, "", "req-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrail quilr failed")
}

func TestExecutor_ShouldApply(t *testing.T) {
	cfg := &config.GuardrailsConfig{Enabled: true}
	filter := NewRequestFilter([]string{"gpt-4"}, nil)
	executor := NewExecutor(cfg, filter, zap.NewNop())

	assert.True(t, executor.ShouldApply("gpt-4", "any"))
	assert.False(t, executor.ShouldApply("claude-3-opus", "any"))

	disabled := NewExecutor(&config.GuardrailsConfig{Enabled: false}, nil, zap.NewNop())
	assert.False(t, disabled.ShouldApply("gpt-4", "any"))
}

func TestExecutor_Stats(t *testing.T) {
	rail := &fakeGuardrail{
		name: "quilr", mode: PreCall, enabled: true, defaultOn: true,
		result: &GuardrailResult{Blocked: true, Reason: "blocked"},
	}
	executor := newTestExecutor(t, rail)

	request := &ChatRequest{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}
	_ = executor.ExecutePreCall(context.Background(), request, "", "req-1")

	stats := executor.GetStats()
	require.Contains(t, stats, "quilr")
	assert.Equal(t, int64(1), stats["quilr"].TotalExecutions)
	assert.Equal(t, int64(1), stats["quilr"].TotalBlocked)
}
