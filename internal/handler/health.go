package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"explorer-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
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

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ListenAddr    string `json:"listen_addr"`
	VerifyTLS     bool   `json:"verify_tls"`
	ProxyProtocol bool   `json:"proxy_protocol"`
	ConfigFile    string `json:"config_file,omitempty"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		ListenAddr:    h.cfg.Server.Addr(),
		VerifyTLS:     h.cfg.Upstream.VerifyTLS,
		ProxyProtocol: h.cfg.Server.ProxyProtocol,
		ConfigFile:    h.cfg.FilePath(),
	})
}
