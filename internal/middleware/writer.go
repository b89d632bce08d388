package middleware

import (
	"bytes"
	"net/http"
	"strconv"
)

// bufferedResponseWriter holds the downstream response until the guardrail
// verdicts are in. Nothing reaches the client before Flush is called, which
// is what lets a post-call or during-call block withhold the body entirely.
type bufferedResponseWriter struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

func (w *bufferedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
}

func (w *bufferedResponseWriter) StatusCode() int {
	return w.statusCode
}

func (w *bufferedResponseWriter) Body() []byte {
	return w.body.Bytes()
}

// SetBody replaces the captured body (used when a redaction rewrites the
// upstream response).
func (w *bufferedResponseWriter) SetBody(data []byte) {
	w.body.Reset()
	w.body.Write(data)
}

// Flush releases the captured response to the real writer
func (w *bufferedResponseWriter) Flush(dst http.ResponseWriter) error {
	for key, values := range w.header {
		for _, value := range values {
			dst.Header().Add(key, value)
		}
	}
	if w.body.Len() > 0 {
		dst.Header().Set("Content-Length", strconv.Itoa(w.body.Len()))
	}
	dst.WriteHeader(w.statusCode)
	_, err := dst.Write(w.body.Bytes())
	return err
}
