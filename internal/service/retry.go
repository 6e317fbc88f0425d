package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"time"

	"animestream-proxy/internal/config"
	"animestream-proxy/internal/metrics"
	"animestream-proxy/internal/model"
	"animestream-proxy/internal/strategy"
)

// Fetcher performs a single upstream attempt.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL, st strategy.Strategy) (*model.Outcome, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds the blocked-response retry loop.
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	Jitter          time.Duration
	InitialDelayMin time.Duration
	InitialDelayMax time.Duration
}

// PolicyFromConfig builds a RetryPolicy from the [retry] section.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return RetryPolicy{
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       ms(cfg.Retry.BaseDelayMs),
		Jitter:          ms(cfg.Retry.JitterMs),
		InitialDelayMin: ms(cfg.Retry.InitialDelayMinMs),
		InitialDelayMax: ms(cfg.Retry.InitialDelayMaxMs),
	}
}

// Controller drives upstream attempts, rotating header strategies and
// backing off after each blocked (403) response. Any other failure ends the
// loop immediately.
type Controller struct {
	fetcher  Fetcher
	selector *strategy.Selector
	policy   RetryPolicy
	sleep    SleepFunc
	randN    func(n int64) int64
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithSleep replaces the context-aware timer used for delays.
func WithSleep(fn SleepFunc) ControllerOption {
	return func(c *Controller) { c.sleep = fn }
}

// WithRand replaces the jitter source. fn must return a value in [0, n).
func WithRand(fn func(n int64) int64) ControllerOption {
	return func(c *Controller) { c.randN = fn }
}

// NewController creates a Controller. The metrics parameter is optional.
func NewController(f Fetcher, sel *strategy.Selector, policy RetryPolicy, logger *slog.Logger, m *metrics.Metrics, opts ...ControllerOption) *Controller {
	c := &Controller{
		fetcher:  f,
		selector: sel,
		policy:   policy,
		sleep:    sleepContext,
		randN:    rand.Int64N,
		logger:   logger.With("component", "retry_controller"),
		metrics:  m,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches req.Target, making at most MaxRetries+1 attempts. On success
// the caller owns the returned Outcome's body.
func (c *Controller) Run(ctx context.Context, req *model.ProxyRequest) (*model.Outcome, error) {
	domain := req.Target.Hostname()

	if err := c.sleep(ctx, c.initialDelay()); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		st := c.selector.Select(domain, attempt, req.Range)

		out, err := c.fetcher.Fetch(ctx, req.Target, st)
		if err != nil {
			return nil, err
		}

		switch out.Class {
		case model.ClassSuccess:
			if attempt > 0 {
				c.logger.Info("upstream accepted after retries",
					"host", domain,
					"family", st.Family,
					"attempt", attempt,
				)
			}
			return out, nil
		case model.ClassError:
			return nil, &UpstreamStatusError{StatusCode: out.StatusCode}
		}

		if attempt >= c.policy.MaxRetries {
			c.logger.Warn("upstream blocked all attempts",
				"host", domain,
				"family", st.Family,
				"attempts", attempt+1,
			)
			return nil, fmt.Errorf("%w after %d attempts", ErrBlocked, attempt+1)
		}

		delay := c.backoff(attempt + 1)
		c.logger.Debug("upstream blocked; backing off",
			"host", domain,
			"family", st.Family,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
		)
		if c.metrics != nil {
			c.metrics.UpstreamRetries.WithLabelValues(st.Family).Inc()
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// backoff returns the delay before attempt n: 2^n * BaseDelay plus up to
// Jitter of random noise.
func (c *Controller) backoff(n int) time.Duration {
	n = min(n, config.MaxRetriesLimit)
	return time.Duration(1<<n)*c.policy.BaseDelay + c.random(c.policy.Jitter)
}

// initialDelay returns the pause before the first attempt, uniform in
// [InitialDelayMin, InitialDelayMax).
func (c *Controller) initialDelay() time.Duration {
	return c.policy.InitialDelayMin + c.random(c.policy.InitialDelayMax-c.policy.InitialDelayMin)
}

func (c *Controller) random(upTo time.Duration) time.Duration {
	if upTo <= 0 {
		return 0
	}
	return time.Duration(c.randN(int64(upTo)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
