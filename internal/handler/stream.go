package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"animestream-proxy/internal/metrics"
	"animestream-proxy/internal/model"
	"animestream-proxy/internal/service"
)

// signedParamPattern matches CDN signature query values in URLs embedded in
// error messages.
var signedParamPattern = regexp.MustCompile(`(?i)([?&](?:token|sig|signature|expires|key|hash)=)[^&\s"]+`)

// StreamHandler serves the stream proxy endpoint.
type StreamHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStreamHandler creates a StreamHandler. The metrics parameter is optional.
func NewStreamHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		service: svc,
		logger:  logger.With("component", "stream_handler"),
		metrics: m,
	}
}

// Handle proxies the resource named by the url query parameter. Playlists are
// sent rewritten; everything else is streamed through unchanged.
func (h *StreamHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr, err := h.service.ParseRequest(c.QueryParam("url"), req.Header.Get("Range"))
	if err != nil {
		return h.mapError(c, err)
	}

	plan, err := h.service.Proxy(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = plan.Close() }()

	for key, vals := range plan.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(plan.StatusCode)

	// Headers are committed from here on; a failure can only be logged.
	if plan.Kind == model.PlanPlaylist {
		if _, err := io.WriteString(c.Response(), plan.Text); err != nil {
			h.logStreamError(c, pr, err)
		}
		return nil
	}

	n, err := io.Copy(c.Response(), plan.Body)
	if h.metrics != nil {
		h.metrics.PassthroughBytes.Add(float64(n))
	}
	if err != nil {
		h.logStreamError(c, pr, err)
	}
	return nil
}

// Preflight answers CORS preflight requests without touching the upstream.
func (h *StreamHandler) Preflight(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *StreamHandler) logStreamError(c echo.Context, pr *model.ProxyRequest, err error) {
	level := slog.LevelError
	if errors.Is(err, context.Canceled) || c.Request().Context().Err() != nil {
		level = slog.LevelDebug
	}
	h.logger.Log(c.Request().Context(), level, "streaming response body",
		"err", sanitizeError(err),
		"host", pr.Target.Host,
	)
}

func (h *StreamHandler) mapError(c echo.Context, err error) error {
	if service.IsValidation(err) {
		h.logger.Debug("rejected stream request", "err", sanitizeError(err))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": rootMessage(err),
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrBlocked) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "upstream rejected the request",
		})
	}

	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return c.JSON(statusErr.StatusCode, map[string]string{
			"error": statusErr.Error(),
		})
	}

	if errors.Is(err, service.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, service.ErrUnreachable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	if errors.Is(err, service.ErrStream) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to process upstream response",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "internal proxy error",
	})
}

// rootMessage returns the message of the validation sentinel wrapped in err.
func rootMessage(err error) string {
	for _, sentinel := range []error{service.ErrMissingURL, service.ErrInvalidURL, service.ErrSelfReferential} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// sanitizeError redacts CDN signatures from error messages that may contain
// upstream URLs.
func sanitizeError(err error) string {
	return signedParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
