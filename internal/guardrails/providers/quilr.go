package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/cache"
	"github.com/quilrbusiness/quilr-guard/internal/config"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails/types"
	"github.com/quilrbusiness/quilr-guard/pkg/circuitbreaker"
)

// QuilrGuardrail checks content against the Quilr guardrails service.
// On the request side it submits the full message list; on the response
// side it submits each choice's text. The service answers with a verdict
// of safe, blocked or redacted.
type QuilrGuardrail struct {
	name      string
	mode      types.GuardrailMode
	enabled   bool
	defaultOn bool

	apiKey  string
	baseURL string
	onError types.ErrorPolicy
	retry   config.RetryConfig

	logger     *zap.Logger
	httpClient *http.Client
	cache      *cache.VerdictCache
	breaker    *circuitbreaker.Breaker
}

// checkRequest is the body of POST /sdk/v1/check. Exactly one of Messages
// or Text is set.
type checkRequest struct {
	Messages []types.Message `json:"messages,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// checkResponse is the verdict returned by the Quilr service
type checkResponse struct {
	Status        string          `json:"status"`
	Categories    []string        `json:"categories_detected,omitempty"`
	Messages      []types.Message `json:"messages,omitempty"`
	ProcessedText string          `json:"processed_text,omitempty"`
}

// Options configure a Quilr guardrail instance
type Options struct {
	Name      string
	Mode      types.GuardrailMode
	Enabled   bool
	DefaultOn bool
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	OnError   types.ErrorPolicy
	Retry     config.RetryConfig
	Logger    *zap.Logger
	Cache     *cache.VerdictCache
}

// NewQuilrGuardrail creates a Quilr guardrail
func NewQuilrGuardrail(opts Options) (*QuilrGuardrail, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("quilr api key is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("quilr base url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.OnError == "" {
		opts.OnError = types.FailClosed
	}

	return &QuilrGuardrail{
		name:       opts.Name,
		mode:       opts.Mode,
		enabled:    opts.Enabled,
		defaultOn:  opts.DefaultOn,
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		onError:    opts.OnError,
		retry:      opts.Retry,
		logger:     opts.Logger.Named("quilr"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		cache:      opts.Cache,
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}, nil
}

// Execute implements the Guardrail interface
func (q *QuilrGuardrail) Execute(ctx context.Context, input *types.GuardrailInput) (*types.GuardrailResult, error) {
	if input.Response != nil {
		return q.checkResponse(ctx, input)
	}
	return q.checkRequest(ctx, input)
}

// checkRequest submits the request messages for evaluation (pre_call and
// during_call paths).
func (q *QuilrGuardrail) checkRequest(ctx context.Context, input *types.GuardrailInput) (*types.GuardrailResult, error) {
	if input.Request == nil || len(input.Request.Messages) == 0 {
		return &types.GuardrailResult{Passed: true, Reason: "No message content to analyze"}, nil
	}

	verdict, cacheHit, err := q.check(ctx, checkRequest{Messages: input.Request.Messages})
	if err != nil {
		return q.resolveFailure(err)
	}

	result := &types.GuardrailResult{Passed: true, Categories: verdict.Categories, CacheHit: cacheHit}

	switch types.VerdictStatus(verdict.Status) {
	case types.VerdictBlocked:
		result.Passed = false
		result.Blocked = true
		result.Reason = blockMessage(verdict.Categories)
	case types.VerdictRedacted:
		if len(verdict.Messages) > 0 {
			modified := *input.Request
			modified.Messages = verdict.Messages
			result.Modified = true
			result.ModifiedRequest = &modified
			result.Reason = fmt.Sprintf("Request messages redacted (%s)", strings.Join(verdict.Categories, ", "))
		}
	}

	return result, nil
}

// checkResponse submits each choice's text for evaluation (post_call and
// during_call paths). A block on any choice blocks the whole response.
func (q *QuilrGuardrail) checkResponse(ctx context.Context, input *types.GuardrailInput) (*types.GuardrailResult, error) {
	response := input.Response
	result := &types.GuardrailResult{Passed: true}

	var modified *types.ChatResponse
	for i, choice := range response.Choices {
		content, ok := choice.Message.Content.(string)
		if !ok || content == "" {
			continue
		}

		verdict, cacheHit, err := q.check(ctx, checkRequest{Text: content})
		if err != nil {
			return q.resolveFailure(err)
		}
		result.CacheHit = result.CacheHit || cacheHit
		result.Categories = append(result.Categories, verdict.Categories...)

		switch types.VerdictStatus(verdict.Status) {
		case types.VerdictBlocked:
			result.Passed = false
			result.Blocked = true
			result.Reason = blockMessage(verdict.Categories)
			return result, nil
		case types.VerdictRedacted:
			if verdict.ProcessedText == "" {
				continue
			}
			if modified == nil {
				copied := *response
				copied.Choices = make([]types.Choice, len(response.Choices))
				copy(copied.Choices, response.Choices)
				modified = &copied
			}
			modified.Choices[i].Message.Content = verdict.ProcessedText
		}
	}

	if modified != nil {
		result.Modified = true
		result.ModifiedResponse = modified
		result.Reason = fmt.Sprintf("Response redacted (%s)", strings.Join(result.Categories, ", "))
	}

	return result, nil
}

// check calls the Quilr service, consulting the verdict cache first and
// retrying transient failures with exponential backoff.
func (q *QuilrGuardrail) check(ctx context.Context, payload checkRequest) (*checkResponse, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal check request: %w", err)
	}

	cacheKey := cache.Key(q.name, body)
	if cached, err := q.cache.Get(ctx, cacheKey); err != nil {
		q.logger.Warn("Verdict cache read failed", zap.Error(err))
	} else if cached != nil {
		return &checkResponse{
			Status:        cached.Status,
			Categories:    cached.Categories,
			ProcessedText: cached.ProcessedText,
		}, true, nil
	}

	if !q.breaker.Allow() {
		return nil, false, fmt.Errorf("quilr service circuit open")
	}

	var verdict *checkResponse
	operation := func() error {
		v, err := q.doCheck(ctx, body)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	}

	if err := backoff.Retry(operation, q.newBackOff(ctx)); err != nil {
		q.breaker.RecordFailure()
		return nil, false, err
	}
	q.breaker.RecordSuccess()

	// Message-list redactions are not cached, only scalar verdicts
	if verdict.Status != string(types.VerdictRedacted) || verdict.ProcessedText != "" {
		cacheErr := q.cache.Set(ctx, cacheKey, &cache.Verdict{
			Status:        verdict.Status,
			Categories:    verdict.Categories,
			ProcessedText: verdict.ProcessedText,
		})
		if cacheErr != nil {
			q.logger.Warn("Verdict cache write failed", zap.Error(cacheErr))
		}
	}

	return verdict, false, nil
}

// doCheck performs one POST /sdk/v1/check round trip
func (q *QuilrGuardrail) doCheck(ctx context.Context, body []byte) (*checkResponse, error) {
	url := q.baseURL + "/sdk/v1/check"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create check request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+q.apiKey)

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call quilr service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("quilr service returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var verdict checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("failed to decode check response: %w", err)
	}
	if verdict.Status == "" {
		verdict.Status = string(types.VerdictSafe)
	}

	return &verdict, nil
}

func (q *QuilrGuardrail) newBackOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	if q.retry.InitialDelay > 0 {
		expo.InitialInterval = q.retry.InitialDelay
	}
	if q.retry.MaxDelay > 0 {
		expo.MaxInterval = q.retry.MaxDelay
	}

	maxRetries := q.retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxRetries)), ctx)
}

// resolveFailure applies the configured error policy when the remote
// service could not be reached.
func (q *QuilrGuardrail) resolveFailure(err error) (*types.GuardrailResult, error) {
	if q.onError == types.FailOpen {
		q.logger.Warn("Quilr check failed, failing open", zap.Error(err))
		return &types.GuardrailResult{
			Passed: true,
			Reason: "Guardrail service unavailable (fail-open)",
		}, nil
	}

	q.logger.Error("Quilr check failed, failing closed", zap.Error(err))
	return &types.GuardrailResult{
		Blocked: true,
		Reason:  "Guardrail service unavailable",
	}, nil
}

func blockMessage(categories []string) string {
	if len(categories) > 0 {
		return fmt.Sprintf("Content blocked by Quilr: %s detected", strings.Join(categories, ", "))
	}
	return "Content blocked by Quilr"
}

// GetName implements the Guardrail interface
func (q *QuilrGuardrail) GetName() string {
	return q.name
}

// GetMode implements the Guardrail interface
func (q *QuilrGuardrail) GetMode() types.GuardrailMode {
	return q.mode
}

// IsEnabled implements the Guardrail interface
func (q *QuilrGuardrail) IsEnabled() bool {
	return q.enabled
}

// IsDefaultOn implements the Guardrail interface
func (q *QuilrGuardrail) IsDefaultOn() bool {
	return q.defaultOn
}

// HealthCheck implements the Guardrail interface
func (q *QuilrGuardrail) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+q.apiKey)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
