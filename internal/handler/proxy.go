package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"explorer-proxy-go/internal/config"
	"explorer-proxy-go/internal/metrics"
	"explorer-proxy-go/internal/middleware"
	"explorer-proxy-go/internal/model"
	"explorer-proxy-go/internal/service"
)

// userinfoPattern matches passwords in URLs embedded in error messages.
var userinfoPattern = regexp.MustCompile(`(://[^:/@\s"]+:)[^@/\s"]+@`)

const streamBufferSize = 32 * 1024

// ProxyHandler relays explorer requests to the upstream named in X-Redirect-URL.
type ProxyHandler struct {
	service          *service.ProxyService
	metrics          *metrics.Metrics
	logger           *slog.Logger
	errorContentType string
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	ct := cfg.Proxy.ErrorContentType
	if ct == "" {
		ct = config.DefaultErrorContentType
	}
	return &ProxyHandler{
		service:          svc,
		metrics:          m,
		logger:           logger.With("component", "proxy_handler"),
		errorContentType: ct,
	}
}

// Handle dispatches on the request method. GET, POST and DELETE are
// forwarded, OPTIONS is answered locally and anything else is refused.
func (h *ProxyHandler) Handle(c echo.Context) error {
	switch c.Request().Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
		return h.Forward(c)
	case http.MethodOptions:
		return h.Preflight(c)
	default:
		return h.Refuse(c)
	}
}

// Refuse answers a method the proxy does not forward with 501.
func (h *ProxyHandler) Refuse(c echo.Context) error {
	h.metrics.RecordOutcome(metrics.OutcomeRejected)
	return c.JSON(http.StatusNotImplemented, map[string]string{
		"error": "method " + c.Request().Method + " is not supported",
	})
}

// Preflight answers a CORS preflight. It never forwards.
func (h *ProxyHandler) Preflight(c echo.Context) error {
	h.metrics.RecordOutcome(metrics.OutcomePreflight)
	return c.NoContent(http.StatusOK)
}

// Forward proxies the request upstream and streams the response back.
func (h *ProxyHandler) Forward(c echo.Context) error {
	req := c.Request()

	fr := &model.ForwardRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		RedirectURL:   req.Header.Get(model.HeaderRedirectURL),
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(fr)
	if err != nil {
		var ue *service.UpstreamError
		if errors.As(err, &ue) {
			return h.writeUpstreamError(c, ue)
		}
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	h.metrics.RecordOutcome(metrics.OutcomeForwarded)

	copyUpstreamHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out, so a failed copy leaves the client
	// with a truncated body and only the log records it.
	n, err := io.CopyBuffer(flushWriter{c.Response()}, resp.Body, make([]byte, streamBufferSize))
	if h.metrics != nil {
		h.metrics.BytesStreamed.Add(float64(n))
	}
	if err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
			"bytes", n,
		)
	}

	return nil
}

// writeUpstreamError relays a buffered upstream error response.
func (h *ProxyHandler) writeUpstreamError(c echo.Context, ue *service.UpstreamError) error {
	h.metrics.RecordOutcome(metrics.OutcomeUpstreamError)

	hdr := c.Response().Header()
	copyUpstreamHeaders(hdr, ue.Header)
	hdr.Set(echo.HeaderContentType, h.errorContentType)
	hdr.Set("Connection", "close")
	hdr.Set(echo.HeaderContentLength, strconv.Itoa(len(ue.Body)))

	c.Response().WriteHeader(ue.StatusCode)
	if _, err := c.Response().Write(ue.Body); err != nil {
		h.logger.Error("writing upstream error body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingRedirectURL) {
		h.metrics.RecordOutcome(metrics.OutcomeRejected)
		h.logger.Warn("rejected request", "reason", err, "path", c.Request().URL.Path)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Request is missing X-Redirect-URL header.",
		})
	}

	if errors.Is(err, service.ErrInvalidRedirectURL) {
		h.metrics.RecordOutcome(metrics.OutcomeRejected)
		h.logger.Warn("rejected request", "reason", sanitizeError(err), "path", c.Request().URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": service.ErrInvalidRedirectURL.Error(),
		})
	}

	// A body limit tripped while the upload was streaming upstream.
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		h.metrics.RecordOutcome(metrics.OutcomeRejected)
		h.logger.Warn("rejected request", "reason", "request body too large", "path", c.Request().URL.Path)
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
	}

	h.metrics.RecordOutcome(metrics.OutcomeTransport)
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// copyUpstreamHeaders adds every upstream header to dst except the CORS
// headers, which the proxy owns.
func copyUpstreamHeaders(dst, src http.Header) {
	for key, vals := range src {
		if middleware.IsCORSHeader(key) {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	r *echo.Response
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.r.Write(p)
	if n > 0 {
		f.r.Flush()
	}
	return n, err
}

// sanitizeError redacts URL passwords from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
