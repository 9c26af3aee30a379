package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"explorer-proxy-go/internal/client"
	"explorer-proxy-go/internal/config"
	"explorer-proxy-go/internal/handler"
	"explorer-proxy-go/internal/listener"
	"explorer-proxy-go/internal/metrics"
	"explorer-proxy-go/internal/middleware"
	"explorer-proxy-go/internal/service"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("explorer-proxy"),
		kong.Description("CORS forwarding proxy for browser-based Splunk explorers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Upstream))),
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newProxyEcho,
			newAdminServer,
		),
		fx.Invoke(handler.RegisterRoutes, registerAdminRoutes, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newProxyEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadHeaderTimeout = 10 * time.Second
	// Request and response bodies stream for as long as the two ends keep
	// them moving, so neither direction gets a whole-body deadline.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	return e
}

// adminServer is the Echo instance behind the health and metrics listener.
// Its Echo is nil when the admin listener is disabled.
type adminServer struct {
	*echo.Echo
}

func newAdminServer(cfg *config.Config, logger *slog.Logger) *adminServer {
	if !cfg.Admin.Enabled {
		return &adminServer{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.AdminRateLimiter(cfg.Admin.RateLimit.RequestsPerSecond))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return &adminServer{Echo: e}
}

func registerAdminRoutes(admin *adminServer, health *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	if admin.Echo == nil {
		return
	}
	handler.RegisterAdminRoutes(admin.Echo, health, m, cfg)
}

func startServers(lc fx.Lifecycle, e *echo.Echo, admin *adminServer, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := listener.Listen(ctx, &cfg.Server, logger)
			if err != nil {
				return err
			}
			logger.Info("starting proxy",
				"addr", ln.Addr().String(),
				"reuse_address", cfg.Server.ReuseAddr(),
				"verify_tls", cfg.Upstream.VerifyTLS,
			)
			go serve(e, ln, "proxy", logger)

			if admin.Echo == nil {
				return nil
			}
			adminLn, err := listener.Listen(ctx, &config.ServerConfig{
				Host: cfg.Admin.Host,
				Port: cfg.Admin.Port,
			}, logger)
			if err != nil {
				return multierr.Append(err, e.Close())
			}
			logger.Info("starting admin listener", "addr", adminLn.Addr().String(), "metrics_path", cfg.Admin.MetricsPath)
			go serve(admin.Echo, adminLn, "admin", logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down")
			err := e.Shutdown(ctx)
			if admin.Echo != nil {
				err = multierr.Append(err, admin.Shutdown(ctx))
			}
			return err
		},
	})
}

func serve(e *echo.Echo, ln net.Listener, name string, logger *slog.Logger) {
	if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "listener", name, "err", err)
	}
}
