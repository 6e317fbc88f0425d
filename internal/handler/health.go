package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"animestream-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	PublicURL      string `json:"public_url"`
	StreamEndpoint string `json:"stream_endpoint"`
	MaxRetries     int    `json:"max_retries"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		PublicURL:      h.cfg.Proxy.PublicURL,
		StreamEndpoint: h.cfg.Proxy.StreamEndpoint(),
		MaxRetries:     h.cfg.Retry.MaxRetries,
	})
}
