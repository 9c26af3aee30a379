package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"explorer-proxy-go/internal/client"
	"explorer-proxy-go/internal/config"
	"explorer-proxy-go/internal/handler"
	"explorer-proxy-go/internal/metrics"
	"explorer-proxy-go/internal/service"
)

// newWiredProxy assembles the proxy Echo instance exactly as the fx graph does.
func newWiredProxy(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	uc := client.NewUpstreamClient(cfg, logger, m)
	h := handler.NewProxyHandler(service.NewProxyService(uc, logger), cfg, m, logger)

	e := newProxyEcho(cfg, m, logger)
	handler.RegisterRoutes(e, h)
	return e
}

func requireCORS(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, []string{"*"}, h.Values("Access-Control-Allow-Origin"))
	assert.Equal(t, []string{"PUT, POST, GET, DELETE, OPTIONS"}, h.Values("Access-Control-Allow-Methods"))
	assert.Equal(t, []string{"X-Redirect-URL, Authorization"}, h.Values("Access-Control-Allow-Headers"))
}

// countingUpstream reads the whole request body before answering, so an
// upload that fails midway never gets a response.
func countingUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestProxyEcho_BodyLimitWithContentLength(t *testing.T) {
	upstream, calls := countingUpstream(t)
	e := newWiredProxy(t, &config.Config{Server: config.ServerConfig{BodyMaxBytes: 1024}})

	req := httptest.NewRequest(http.MethodPost, "/services/search/jobs", bytes.NewReader(make([]byte, 4096)))
	req.Header.Set("X-Redirect-URL", upstream.URL)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	requireCORS(t, rec.Header())
	assert.Zero(t, calls.Load(), "an oversized upload must not reach upstream")
}

func TestProxyEcho_BodyLimitChunkedUpload(t *testing.T) {
	upstream, _ := countingUpstream(t)
	e := newWiredProxy(t, &config.Config{Server: config.ServerConfig{BodyMaxBytes: 1024}})

	// A plain io.Reader leaves ContentLength at -1, so the limit can only
	// trip while the body is streaming upstream.
	body := io.MultiReader(bytes.NewReader(make([]byte, 64*1024)))
	req := httptest.NewRequest(http.MethodPost, "/services/search/jobs", body)
	require.EqualValues(t, -1, req.ContentLength)
	req.Header.Set("X-Redirect-URL", upstream.URL)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body too large")
	requireCORS(t, rec.Header())
}

func TestProxyEcho_BodyWithinLimit(t *testing.T) {
	upstream, calls := countingUpstream(t)
	e := newWiredProxy(t, &config.Config{Server: config.ServerConfig{BodyMaxBytes: 1024}})

	req := httptest.NewRequest(http.MethodPost, "/services/search/jobs", bytes.NewReader(make([]byte, 512)))
	req.Header.Set("X-Redirect-URL", upstream.URL)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	requireCORS(t, rec.Header())
	assert.EqualValues(t, 1, calls.Load())
}

func TestProxyEcho_UnroutedMethods(t *testing.T) {
	e := newWiredProxy(t, &config.Config{})

	for _, method := range []string{"PURGE", "MKCOL", "LINK", http.MethodPut, http.MethodTrace} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/services", http.NoBody)
			req.Header.Set("X-Redirect-URL", "http://127.0.0.1:1")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNotImplemented, rec.Code)
			requireCORS(t, rec.Header())
		})
	}
}

func TestNewAdminServer_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	admin := newAdminServer(&config.Config{}, logger)
	assert.Nil(t, admin.Echo)
}
