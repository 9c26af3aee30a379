// Package middleware provides Echo middleware for logging, metrics, CORS and
// header hygiene.
package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"explorer-proxy-go/internal/model"
)

// RequestLogger returns an Echo middleware that writes one slog record per
// request. 5xx responses log at error level and 4xx at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := responseStatus(c, err)

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if id := res.Header().Get(echo.HeaderXRequestID); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			if host := upstreamHost(req.Header.Get(model.HeaderRedirectURL)); host != "" {
				attrs = append(attrs, "upstream", host)
			}

			logger.Log(req.Context(), levelFor(status), "request", attrs...)

			return err
		}
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// upstreamHost returns only the host:port of a redirect URL, so credentials
// and query strings stay out of the access log.
func upstreamHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
