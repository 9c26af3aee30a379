// Package client provides the HTTP client used to reach arbitrary upstreams.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"explorer-proxy-go/internal/config"
	"explorer-proxy-go/internal/metrics"
	"explorer-proxy-go/internal/model"
)

// UpstreamClient sends requests to whichever upstream a caller names.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient.
//
// Connections are not reused between requests, and response bodies are
// passed through without transparent decompression. Unless
// upstream.verify_tls is set, upstream certificates are not verified.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	logger = logger.With("component", "upstream_client")

	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		DisableKeepAlives:  true,
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Upstream.VerifyTLS, //nolint:gosec // opt-in verification, see upstream.verify_tls
		},
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	// A custom TLSClientConfig turns off automatic HTTP/2, so negotiate it explicitly.
	if cfg.Upstream.HTTP2Enabled() {
		t2, err := http2.ConfigureTransports(transport)
		if err != nil {
			logger.Warn("http2 unavailable for upstream transport", "err", err)
		} else {
			t2.ReadIdleTimeout = 30 * time.Second
			t2.PingTimeout = 15 * time.Second
		}
	}

	if !cfg.Upstream.VerifyTLS {
		logger.Warn("upstream TLS certificate verification is disabled")
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger,
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// Any status code, including 4xx and 5xx, is returned as a response; only
// transport failures produce an error. The caller is responsible for closing
// the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream builds and executes a request whose body is streamed from body.
// contentLength is the exact number of bytes body will yield, or -1 when unknown.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.UpstreamResponse, error) {
	if body == nil || contentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}

// reasonPhrase extracts the reason text from a status line such as "404 Not Found".
func reasonPhrase(resp *http.Response) string {
	if reason, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}
