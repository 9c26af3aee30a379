// Package listener opens the proxy's TCP listener.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"explorer-proxy-go/internal/config"
)

// proxyHeaderTimeout bounds how long a new connection may take to send its
// PROXY protocol header.
const proxyHeaderTimeout = 10 * time.Second

// Listen binds the proxy listen address. The socket's SO_REUSEADDR option
// follows cfg.ReuseAddr, and a port that is already taken fails immediately.
// When cfg.ProxyProtocol is set, connections are expected to start with a
// PROXY v1 or v2 header and report the client address it carries.
func Listen(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (net.Listener, error) {
	addr := cfg.Addr()
	lc := net.ListenConfig{Control: reuseAddrControl(cfg.ReuseAddr())}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if cfg.ProxyProtocol {
		logger.Info("PROXY protocol enabled", "addr", ln.Addr().String())
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: proxyHeaderTimeout,
		}
	}

	return ln, nil
}
