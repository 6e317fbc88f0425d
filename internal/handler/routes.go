package handler

import (
	"github.com/labstack/echo/v4"

	"animestream-proxy/internal/config"
	"animestream-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, stream *StreamHandler, health *HealthHandler, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET(cfg.Proxy.BasePath+"/proxy/status", health.Status)

	endpoint := cfg.Proxy.StreamEndpoint()
	cors := middleware.StreamCORS()
	e.GET(endpoint, stream.Handle, cors)
	e.OPTIONS(endpoint, stream.Preflight, cors)
}
