// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"explorer-proxy-go/internal/model"
)

// ErrMissingRedirectURL is returned when a forwarded method arrives without the X-Redirect-URL header.
var ErrMissingRedirectURL = errors.New("request is missing X-Redirect-URL header")

// ErrInvalidRedirectURL is returned when X-Redirect-URL is not an absolute http(s) URL.
var ErrInvalidRedirectURL = errors.New("X-Redirect-URL must be an absolute http or https URL")

// UpstreamError is an upstream response with status >= 400. Its body has been
// read in full, so the header set is complete and the connection is released.
type UpstreamError struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.StatusCode, e.Reason)
}

// Upstream performs a single upstream exchange.
type Upstream interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.UpstreamResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client Upstream
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c Upstream, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward resolves the upstream target for fr and sends the request there.
//
// GET requests are sent to the redirect URL with the inbound path and query
// appended; POST and DELETE go to the redirect URL as given. POST streams the
// inbound body, DELETE always sends an empty one.
//
// A 2xx or 3xx upstream response is returned with its body still open, and the
// caller is responsible for closing it. A 4xx or 5xx response is drained and
// returned as an *UpstreamError.
func (s *ProxyService) Forward(fr *model.ForwardRequest) (*model.UpstreamResponse, error) {
	if fr.RedirectURL == "" {
		return nil, ErrMissingRedirectURL
	}

	base, err := parseRedirectURL(fr.RedirectURL)
	if err != nil {
		return nil, err
	}

	target := base.String()
	var body io.Reader
	var contentLength int64

	switch fr.Method {
	case http.MethodGet:
		target = appendRequestPath(base, fr.Path, fr.RawQuery)
	case http.MethodPost:
		body, contentLength = fr.Body, fr.ContentLength
	case http.MethodDelete:
		// empty body
	default:
		return nil, fmt.Errorf("method %s is not forwarded", fr.Method)
	}

	header := outboundHeaders(fr.Header)

	s.logger.Debug("forwarding request",
		"method", fr.Method,
		"target", redactURL(target),
	)

	resp, err := s.client.DoStream(fr.Ctx, fr.Method, target, header, body, contentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, s.drainError(resp)
	}
	return resp, nil
}

// drainError reads an error response into memory and closes it.
func (s *ProxyService) drainError(resp *model.UpstreamResponse) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream error body: %w", err)
	}

	s.logger.Warn("upstream error response",
		"status", resp.StatusCode,
		"reason", resp.Reason,
		"body_bytes", len(body),
	)
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		for key, vals := range resp.Header {
			s.logger.Debug("upstream error header", "name", key, "value", strings.Join(vals, ", "))
		}
		s.logger.Debug("upstream error body", "body", string(body))
	}

	return &UpstreamError{
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Header:     resp.Header,
		Body:       body,
	}
}

func parseRedirectURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirectURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidRedirectURL, raw)
	}
	return u, nil
}

// appendRequestPath joins the inbound path onto base and collapses doubled
// slashes in the resulting path. The scheme separator is never touched.
// A query on base is kept and the inbound query is appended to it.
func appendRequestPath(base *url.URL, escapedPath, rawQuery string) string {
	u := *base

	joined := collapseSlashes(base.EscapedPath() + escapedPath)
	if p, err := url.PathUnescape(joined); err == nil {
		u.Path = p
		u.RawPath = joined
	} else {
		u.Path = collapseSlashes(base.Path + escapedPath)
		u.RawPath = ""
	}

	switch {
	case base.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery != "":
		u.RawQuery = base.RawQuery + "&" + rawQuery
	}
	u.ForceQuery = false

	return u.String()
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// outboundHeaders copies the inbound headers minus X-Redirect-URL.
func outboundHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del(model.HeaderRedirectURL)
	return dst
}

// redactURL strips userinfo so credentials embedded in a redirect URL are not logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
