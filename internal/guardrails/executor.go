package guardrails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/config"
)

// Executor manages registered guardrails and runs them at the three
// lifecycle points. Guardrails are bucketed by execution mode at
// registration time so each hook only walks its own list.
type Executor struct {
	mu     sync.RWMutex
	config *config.GuardrailsConfig
	logger *zap.Logger
	filter *RequestFilter

	preCallRails    []Guardrail
	postCallRails   []Guardrail
	duringCallRails []Guardrail

	// All guardrails by name for lookups
	guardrails map[string]Guardrail

	stats map[string]*GuardrailStats
}

// NewExecutor creates a guardrails executor. The filter implements the
// global model/key-name allow-lists; a nil filter applies to everything.
func NewExecutor(cfg *config.GuardrailsConfig, filter *RequestFilter, logger *zap.Logger) *Executor {
	return &Executor{
		config:     cfg,
		logger:     logger.Named("guardrails"),
		filter:     filter,
		guardrails: make(map[string]Guardrail),
		stats:      make(map[string]*GuardrailStats),
	}
}

// Register adds a guardrail to the executor. A guardrail name may appear
// once per execution mode.
func (e *Executor) Register(guardrail Guardrail) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := guardrail.GetName()
	key := name + ":" + guardrail.GetMode().String()
	if _, exists := e.guardrails[key]; exists {
		return fmt.Errorf("guardrail %s already registered for mode %s", name, guardrail.GetMode())
	}

	e.guardrails[key] = guardrail

	switch mode := guardrail.GetMode(); mode {
	case PreCall:
		e.preCallRails = append(e.preCallRails, guardrail)
	case PostCall:
		e.postCallRails = append(e.postCallRails, guardrail)
	case DuringCall:
		e.duringCallRails = append(e.duringCallRails, guardrail)
	default:
		return fmt.Errorf("guardrail %s has invalid mode %s", name, mode)
	}

	if _, ok := e.stats[name]; !ok {
		e.stats[name] = &GuardrailStats{}
	}

	e.logger.Info("Registered guardrail",
		zap.String("name", name),
		zap.String("mode", guardrail.GetMode().String()),
		zap.Bool("default_on", guardrail.IsDefaultOn()))

	return nil
}

// ShouldApply reports whether a request with the given model and key name is
// subject to guardrail evaluation at all.
func (e *Executor) ShouldApply(model, keyName string) bool {
	if !e.config.Enabled {
		return false
	}
	return e.filter.Matches(model, keyName)
}

// ExecutePreCall runs all applicable pre-call guardrails. A block verdict
// returns a *GuardrailError and the upstream call must not happen.
// Redactions are written back into request.
func (e *Executor) ExecutePreCall(ctx context.Context, request *ChatRequest, keyName, requestID string) error {
	rails := e.selectRails(e.snapshot(PreCall), request.Guardrails)
	if len(rails) == 0 {
		return nil
	}

	input := &GuardrailInput{
		Request:   request,
		Model:     request.Model,
		KeyName:   keyName,
		RequestID: requestID,
		Timestamp: time.Now(),
	}

	err := e.executeGuardrails(ctx, rails, input)

	// Apply redactions back to the caller's request
	if input.Request != nil && input.Request != request {
		*request = *input.Request
	}

	return err
}

// ExecutePostCall runs all applicable post-call guardrails against the
// upstream response. A block verdict returns a *GuardrailError and the
// response must not be released. Redactions are written back into response.
func (e *Executor) ExecutePostCall(ctx context.Context, request *ChatRequest, response *ChatResponse, keyName, requestID string) error {
	rails := e.selectRails(e.snapshot(PostCall), request.Guardrails)
	if len(rails) == 0 {
		return nil
	}

	input := &GuardrailInput{
		Request:   request,
		Response:  response,
		Model:     request.Model,
		KeyName:   keyName,
		RequestID: requestID,
		Timestamp: time.Now(),
	}

	err := e.executeGuardrails(ctx, rails, input)

	if input.Response != nil && input.Response != response {
		*response = *input.Response
	}

	return err
}

// DuringCallHandle joins a concurrent guardrail evaluation with the upstream
// call it raced against. Wait must be called before the response is released.
type DuringCallHandle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the during-call evaluation finishes or ctx is done.
// A nil handle (no during-call rails) waits for nothing.
func (h *DuringCallHandle) Wait(ctx context.Context) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartDuringCall starts the during-call guardrails concurrently with the
// upstream call. The caller proceeds with the upstream request immediately
// and joins the verdict via the returned handle: the check cannot prevent
// the upstream call, only suppress its response.
func (e *Executor) StartDuringCall(ctx context.Context, request *ChatRequest, keyName, requestID string) *DuringCallHandle {
	rails := e.selectRails(e.snapshot(DuringCall), request.Guardrails)
	if len(rails) == 0 {
		return nil
	}

	input := &GuardrailInput{
		Request:   request,
		Model:     request.Model,
		KeyName:   keyName,
		RequestID: requestID,
		Timestamp: time.Now(),
	}

	handle := &DuringCallHandle{done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		handle.err = e.executeGuardrails(ctx, rails, input)
	}()

	return handle
}

// snapshot copies a mode bucket under the read lock
func (e *Executor) snapshot(mode GuardrailMode) []Guardrail {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var src []Guardrail
	switch mode {
	case PreCall:
		src = e.preCallRails
	case PostCall:
		src = e.postCallRails
	case DuringCall:
		src = e.duringCallRails
	}
	rails := make([]Guardrail, len(src))
	copy(rails, src)
	return rails
}

// selectRails keeps rails that are enabled and either default-on or
// explicitly named by the request.
func (e *Executor) selectRails(rails []Guardrail, requested []string) []Guardrail {
	if !e.config.Enabled {
		return nil
	}

	named := make(map[string]bool, len(requested))
	for _, name := range requested {
		named[name] = true
	}

	selected := rails[:0]
	for _, rail := range rails {
		if !rail.IsEnabled() {
			continue
		}
		if rail.IsDefaultOn() || named[rail.GetName()] {
			selected = append(selected, rail)
		}
	}
	return selected
}

// executeGuardrails runs a list of guardrails and returns the first blocking
// error. Redactions chain: each rail sees the previous rail's output.
func (e *Executor) executeGuardrails(ctx context.Context, rails []Guardrail, input *GuardrailInput) error {
	for _, rail := range rails {
		result, err := e.executeGuardrail(ctx, rail, input)
		if err != nil {
			return err
		}

		if result.Blocked {
			e.recordBlocked(rail.GetName())
			return &GuardrailError{
				GuardrailName: rail.GetName(),
				Reason:        result.Reason,
				Categories:    result.Categories,
				Blocked:       true,
			}
		}

		if result.Modified {
			e.recordModified(rail.GetName())
			if result.ModifiedRequest != nil {
				input.Request = result.ModifiedRequest
			}
			if result.ModifiedResponse != nil {
				input.Response = result.ModifiedResponse
			}
		}
	}

	return nil
}

// executeGuardrail runs a single guardrail with a bounded timeout
func (e *Executor) executeGuardrail(ctx context.Context, rail Guardrail, input *GuardrailInput) (*GuardrailResult, error) {
	start := time.Now()
	name := rail.GetName()

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := rail.Execute(timeoutCtx, input)
	executionTime := time.Since(start)

	e.updateStats(name, executionTime, err)
	recordExecution(rail, result, err, executionTime)

	if err != nil {
		e.logger.Error("Guardrail execution failed",
			zap.String("name", name),
			zap.Duration("execution_time", executionTime),
			zap.Error(err))
		return nil, fmt.Errorf("guardrail %s failed: %w", name, err)
	}

	result.ExecutionTime = executionTime
	result.GuardrailName = name

	e.logger.Debug("Guardrail executed",
		zap.String("name", name),
		zap.Duration("execution_time", executionTime),
		zap.Bool("passed", result.Passed),
		zap.Bool("blocked", result.Blocked),
		zap.Bool("modified", result.Modified))

	return result, nil
}

func (e *Executor) updateStats(name string, executionTime time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats[name]
	if stats == nil {
		stats = &GuardrailStats{}
		e.stats[name] = stats
	}

	stats.TotalExecutions++
	stats.LastExecuted = time.Now()

	if err != nil {
		stats.TotalErrors++
	} else {
		stats.TotalPassed++
	}

	if stats.TotalExecutions == 1 {
		stats.AverageLatency = executionTime
	} else {
		stats.AverageLatency = time.Duration(
			(int64(stats.AverageLatency)*(stats.TotalExecutions-1) + int64(executionTime)) /
				stats.TotalExecutions,
		)
	}
}

func (e *Executor) recordBlocked(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stats := e.stats[name]; stats != nil {
		stats.TotalBlocked++
	}
}

func (e *Executor) recordModified(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stats := e.stats[name]; stats != nil {
		stats.TotalModified++
	}
}

// GetStats returns a copy of the statistics for all guardrails
func (e *Executor) GetStats() map[string]*GuardrailStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make(map[string]*GuardrailStats, len(e.stats))
	for name, stats := range e.stats {
		statsCopy := *stats
		result[name] = &statsCopy
	}
	return result
}

// HealthCheck verifies all enabled guardrails can reach their backends
func (e *Executor) HealthCheck(ctx context.Context) map[string]error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make(map[string]error, len(e.guardrails))
	for name, rail := range e.guardrails {
		if rail.IsEnabled() {
			results[name] = rail.HealthCheck(ctx)
		}
	}
	return results
}

// IsEnabled returns whether guardrails are enabled at all
func (e *Executor) IsEnabled() bool {
	return e.config.Enabled
}
