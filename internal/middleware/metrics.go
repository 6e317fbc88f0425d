package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"animestream-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Paths are labelled through paths so the url query
// of the stream endpoint never becomes a label value. Requests to scrapePath
// are not recorded.
func MetricsMiddleware(m *metrics.Metrics, paths *metrics.PathNormalizer, scrapePath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == scrapePath {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				statusLabel(c, err),
				paths.Normalize(c.Request().URL.Path),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// statusLabel resolves the status code the client will see. An error returned
// before the response is committed is written later by Echo's error handler.
func statusLabel(c echo.Context, err error) string {
	if err == nil || c.Response().Committed {
		return strconv.Itoa(c.Response().Status)
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return strconv.Itoa(he.Code)
	}
	return strconv.Itoa(http.StatusInternalServerError)
}
