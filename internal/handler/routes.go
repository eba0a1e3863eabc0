// Package handler contains the Echo route handlers.
package handler

import (
	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Health and
// metrics routes are only mounted when enabled in config.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.POST(config.GeneratePath, proxy.Handle)

	if cfg.Health.Enabled {
		e.GET("/healthz", health.Healthz)
		e.GET("/proxy/status", health.Status)
	}
	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}
}
