package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"explorer-proxy-go/internal/config"
	"explorer-proxy-go/internal/metrics"
	"explorer-proxy-go/internal/middleware"
)

// proxiedMethods are the methods the proxy routes. Every other method is
// refused with 501, including ones the Echo router keeps no table for.
var proxiedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodDelete,
	http.MethodOptions,
}

// RegisterRoutes wires the proxy handler onto the Echo instance. There is no
// path routing: every path reaches the handler.
//
// CORS is a pre-router middleware so that router errors (405, 404) and
// failures in earlier middleware such as the body limit carry it too.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(middleware.CORS())
	e.Use(refuseUnrouted(proxy))
	e.Match(proxiedMethods, "/*", proxy.Handle, middleware.StripHopByHop())
}

// refuseUnrouted answers methods outside proxiedMethods before the router's
// 405 handler gets them.
func refuseUnrouted(proxy *ProxyHandler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, m := range proxiedMethods {
				if c.Request().Method == m {
					return next(c)
				}
			}
			return proxy.Refuse(c)
		}
	}
}

// RegisterAdminRoutes wires health, status and metrics onto the admin Echo instance.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET(cfg.Admin.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
