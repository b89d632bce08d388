package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/config"
)

// Upstream forwards guarded traffic to the OpenAI-compatible endpoint the
// gateway fronts. The gateway adds nothing of its own here; all policy
// lives in the guardrail middleware wrapped around this handler.
type Upstream struct {
	proxy  *httputil.ReverseProxy
	target *url.URL
	logger *zap.Logger
}

// NewUpstream builds the reverse proxy from configuration
func NewUpstream(cfg config.UpstreamConfig, logger *zap.Logger) (*Upstream, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base_url is required")
	}
	target, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base_url: %w", err)
	}

	log := logger.Named("upstream")

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("Upstream request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":{"message":"upstream unavailable","type":"upstream_error"}}`)
	}

	return &Upstream{proxy: proxy, target: target, logger: log}, nil
}

// ServeHTTP implements http.Handler
func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Host = u.target.Host
	u.proxy.ServeHTTP(w, r)
}

// Target returns the upstream base URL
func (u *Upstream) Target() string {
	return u.target.String()
}
