// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// HeaderRedirectURL carries the absolute upstream URL a request is forwarded to.
const HeaderRedirectURL = "X-Redirect-URL"

// ForwardRequest represents a client request to be forwarded upstream.
type ForwardRequest struct {
	Ctx         context.Context
	Method      string
	RedirectURL string // raw X-Redirect-URL value, empty when absent
	Path        string // escaped request path
	RawQuery    string
	Header      http.Header
	Body        io.ReadCloser
	// ContentLength is the inbound body length; -1 means unknown.
	ContentLength int64
}

// UpstreamResponse represents the upstream response to be streamed back.
type UpstreamResponse struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       io.ReadCloser
}
