// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPort is the proxy listen port used when neither the config file nor
// the command line names one.
const DefaultPort = 8080

// DefaultErrorContentType is sent on upstream error responses.
const DefaultErrorContentType = "text/html;charset=utf-8"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/explorer-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config and positional port).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	VerifyTLS bool   `kong:"name='verify-tls',help='Verify upstream TLS certificates (overrides config).',env='VERIFY_TLS'"`

	ListenPort int `kong:"arg,optional,name='listen-port',help='Listen port (overrides config).'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Host          string `toml:"host"` // empty binds all interfaces
	Port          int    `toml:"port"` // 0 means "use default" (8080)
	ReuseAddress  *bool  `toml:"reuse_address"`
	ProxyProtocol bool   `toml:"proxy_protocol"`
	BodyMaxBytes  int64  `toml:"body_max_bytes"` // 0 means unlimited
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	// VerifyTLS enables certificate verification toward the upstream. It is
	// off by default: the proxy trusts any upstream named by the caller.
	VerifyTLS      bool  `toml:"verify_tls"`
	TimeoutSeconds int   `toml:"timeout_seconds"` // 0 means no timeout
	HTTP2          *bool `toml:"http2"`
}

// ProxyConfig holds forwarding behaviour settings.
type ProxyConfig struct {
	ErrorContentType string `toml:"error_content_type"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds settings for the health and metrics listener.
type AdminConfig struct {
	Enabled     bool            `toml:"enabled"`
	Host        string          `toml:"host"`
	Port        int             `toml:"port"`
	MetricsPath string          `toml:"metrics_path"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin listener.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/explorer-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if cfg.adminClashes() {
		return nil, fmt.Errorf("config: validate: admin address %s clashes with proxy address %s", cfg.Admin.Addr(), cfg.Server.Addr())
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI values.
// The --port flag takes precedence over the positional port.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.ListenPort != 0 {
		c.Server.Port = cli.ListenPort
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.VerifyTLS {
		c.Upstream.VerifyTLS = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	if ct := c.Proxy.ErrorContentType; ct != "" && strings.ContainsAny(ct, "\r\n") {
		return fmt.Errorf("proxy.error_content_type must not contain line breaks")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Admin.Enabled && c.Admin.MetricsPath != "" {
		p := c.Admin.MetricsPath
		if p[0] != '/' {
			return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReuseAddress == nil {
		c.Server.ReuseAddress = boolPtr(true)
	}
	if c.Upstream.HTTP2 == nil {
		c.Upstream.HTTP2 = boolPtr(true)
	}
	if c.Proxy.ErrorContentType == "" {
		c.Proxy.ErrorContentType = DefaultErrorContentType
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
	}
}

func boolPtr(v bool) *bool { return &v }

// adminClashes reports whether the admin listener would bind the proxy's socket.
func (c *Config) adminClashes() bool {
	if !c.Admin.Enabled || c.Admin.Port != c.Server.Port {
		return false
	}
	return c.Admin.Host == c.Server.Host || c.Admin.Host == "" || c.Server.Host == ""
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		} else if !errors.Is(err, fs.ErrNotExist) {
			// Unreadable but present: let Load surface the real error.
			return p
		}
	}
	return ""
}

// FilePath returns the config file that was loaded, or empty when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// Addr returns the proxy listen address as host:port.
// An empty host binds all interfaces.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ReuseAddr reports whether SO_REUSEADDR should be set on the listening socket.
func (c *ServerConfig) ReuseAddr() bool {
	return c.ReuseAddress == nil || *c.ReuseAddress
}

// HTTP2Enabled reports whether HTTP/2 should be negotiated with TLS upstreams.
func (c *UpstreamConfig) HTTP2Enabled() bool {
	return c.HTTP2 == nil || *c.HTTP2
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
