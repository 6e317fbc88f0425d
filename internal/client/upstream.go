// Package client provides the upstream HTTP client for CDN stream hosts.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"animestream-proxy/internal/config"
	"animestream-proxy/internal/metrics"
	"animestream-proxy/internal/model"
	"animestream-proxy/internal/strategy"
)

var (
	// ErrUnreachable marks network-level failures: DNS, refused or reset
	// connections, TLS failures and exhausted redirect budgets.
	ErrUnreachable = errors.New("upstream unreachable")

	// ErrTimeout marks an attempt that did not produce response headers in time.
	ErrTimeout = errors.New("upstream timed out")
)

// UpstreamClient fetches stream resources from CDN hosts.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, a
// redirect cap and per-attempt timeouts. The timeout bounds connecting and
// waiting for response headers only, so long segment bodies are not cut off.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := cfg.Upstream.Timeout()
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Fetch issues one GET for target with the strategy's headers and classifies
// the result. Non-success responses are returned as outcomes, not errors, with
// their bodies already closed. On success the caller owns Outcome.Body.
func (c *UpstreamClient) Fetch(ctx context.Context, target *url.URL, st strategy.Strategy) (*model.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = st.Header()

	c.logger.Debug("upstream request",
		"host", target.Host,
		"family", st.Family,
		"attempt", st.Attempt,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via Outcome
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(st.Family).Observe(duration)
	}

	if err != nil {
		return nil, c.classifyError(ctx, st, err)
	}

	class := Classify(resp.StatusCode)
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(st.Family, class.String()).Inc()
	}

	out := &model.Outcome{
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Class:      class,
		Attempt:    st.Attempt,
	}
	if class != model.ClassSuccess {
		_ = resp.Body.Close()
		c.logger.Debug("upstream rejected attempt",
			"host", target.Host,
			"status", strconv.Itoa(resp.StatusCode),
			"attempt", st.Attempt,
		)
		return out, nil
	}

	out.Body = resp.Body
	return out, nil
}

// CloseIdleConnections drops pooled upstream connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *UpstreamClient) classifyError(ctx context.Context, st strategy.Strategy, err error) error {
	// The caller went away; nothing upstream is at fault.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("upstream request: %w", ctxErr)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(st.Family, "unreachable").Inc()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// Classify maps an upstream status code onto an outcome class.
func Classify(status int) model.Class {
	switch {
	case status >= 200 && status < 400:
		return model.ClassSuccess
	case status == http.StatusForbidden:
		return model.ClassBlocked
	default:
		return model.ClassError
	}
}
