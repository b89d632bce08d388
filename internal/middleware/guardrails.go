package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/guardrails"
)

// GuardrailsMiddleware applies the guardrail executor around the chat
// completions endpoint: pre-call rails gate the upstream call, during-call
// rails race it, post-call rails inspect the buffered response before it is
// released.
type GuardrailsMiddleware struct {
	executor *guardrails.Executor
	logger   *zap.Logger
}

// NewGuardrailsMiddleware creates the middleware
func NewGuardrailsMiddleware(executor *guardrails.Executor, logger *zap.Logger) *GuardrailsMiddleware {
	return &GuardrailsMiddleware{
		executor: executor,
		logger:   logger.Named("guardrails_middleware"),
	}
}

// Middleware returns the HTTP middleware function
func (m *GuardrailsMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		if !m.executor.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			m.logger.Error("Failed to read request body", zap.Error(err))
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		// The raw JSON is kept as a map so parameters the guardrail layer
		// does not model survive the round trip to the upstream.
		var raw map[string]json.RawMessage
		var request guardrails.ChatRequest
		if err := json.Unmarshal(body, &raw); err != nil || json.Unmarshal(body, &request) != nil {
			m.logger.Debug("Request body is not a chat completion, passing through")
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
			return
		}

		keyName := KeyName(r.Context())
		requestID := RequestID(r.Context())

		if !m.executor.ShouldApply(request.Model, keyName) {
			m.logger.Debug("Request outside guardrail filters, skipping",
				zap.String("model", request.Model),
				zap.String("key_name", keyName))
			RecordGuardrailSkipped(request.Model)
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
			return
		}

		// Pre-call: a block here means the upstream call never happens
		if err := m.executor.ExecutePreCall(r.Context(), &request, keyName, requestID); err != nil {
			m.logger.Info("Request blocked by pre-call guardrail",
				zap.String("model", request.Model),
				zap.String("key_name", keyName),
				zap.String("request_id", requestID),
				zap.Error(err))
			m.sendGuardrailError(w, err)
			return
		}

		// Rebuild the outgoing body with any pre-call redactions applied
		outgoing, err := patchRequestBody(raw, &request)
		if err != nil {
			m.logger.Error("Failed to rebuild request body", zap.Error(err))
			http.Error(w, "failed to process request", http.StatusInternalServerError)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(outgoing))
		r.ContentLength = int64(len(outgoing))

		// During-call rails race the upstream call; the verdict is joined
		// below before the response is released.
		handle := m.executor.StartDuringCall(r.Context(), &request, keyName, requestID)

		// Streamed responses are written straight through; only the request
		// side is enforceable for them.
		if request.Stream {
			if handle != nil {
				m.logger.Warn("during_call verdict cannot gate a streamed response",
					zap.String("request_id", requestID))
			}
			next.ServeHTTP(w, r)
			return
		}

		bw := newBufferedResponseWriter()
		next.ServeHTTP(bw, r)

		// Join the during-call verdict before anything reaches the caller
		if err := handle.Wait(r.Context()); err != nil {
			m.logger.Info("Response suppressed by during-call guardrail",
				zap.String("request_id", requestID),
				zap.Error(err))
			m.sendGuardrailError(w, err)
			return
		}

		// Post-call: inspect and possibly rewrite the upstream response
		if bw.StatusCode() == http.StatusOK && isJSONResponse(bw.Header()) {
			var response guardrails.ChatResponse
			if err := json.Unmarshal(bw.Body(), &response); err == nil {
				if err := m.executor.ExecutePostCall(r.Context(), &request, &response, keyName, requestID); err != nil {
					m.logger.Info("Response blocked by post-call guardrail",
						zap.String("request_id", requestID),
						zap.Error(err))
					m.sendGuardrailError(w, err)
					return
				}
				patched, err := patchResponseBody(bw.Body(), &response)
				if err != nil {
					m.logger.Error("Failed to rebuild response body", zap.Error(err))
				} else {
					bw.SetBody(patched)
				}
			}
		}

		if err := bw.Flush(w); err != nil {
			m.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

// patchRequestBody writes the possibly-redacted messages back into the raw
// request JSON and strips the guardrail selector before it goes upstream.
func patchRequestBody(raw map[string]json.RawMessage, request *guardrails.ChatRequest) ([]byte, error) {
	messages, err := json.Marshal(request.Messages)
	if err != nil {
		return nil, err
	}
	raw["messages"] = messages
	delete(raw, "guardrails")
	return json.Marshal(raw)
}

// patchResponseBody writes redacted choice contents back into the raw
// response JSON.
func patchResponseBody(body []byte, response *guardrails.ChatResponse) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	choices, err := json.Marshal(response.Choices)
	if err != nil {
		return nil, err
	}
	raw["choices"] = choices
	return json.Marshal(raw)
}

func isJSONResponse(header http.Header) bool {
	return strings.HasPrefix(header.Get("Content-Type"), "application/json")
}

// sendGuardrailError translates a guardrail verdict into the error shape
// callers see.
func (m *GuardrailsMiddleware) sendGuardrailError(w http.ResponseWriter, err error) {
	message := err.Error()
	var gerr *guardrails.GuardrailError
	if errors.As(err, &gerr) {
		message = gerr.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "guardrail_violation",
			"code":    "content_blocked",
		},
	}

	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}
