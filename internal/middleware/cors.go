package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// corsHeaders is the fixed cross-origin header set attached to every proxy response.
var corsHeaders = [...][2]string{
	{echo.HeaderAccessControlAllowOrigin, "*"},
	{echo.HeaderAccessControlAllowMethods, "PUT, POST, GET, DELETE, OPTIONS"},
	{echo.HeaderAccessControlAllowHeaders, "X-Redirect-URL, Authorization"},
}

// ApplyCORS sets the fixed CORS header set on h, replacing any existing values.
func ApplyCORS(h http.Header) {
	for _, kv := range corsHeaders {
		h.Set(kv[0], kv[1])
	}
}

// IsCORSHeader reports whether name is one of the headers ApplyCORS owns.
func IsCORSHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, kv := range corsHeaders {
		if kv[0] == canonical {
			return true
		}
	}
	return false
}

// CORS returns an Echo middleware that puts the CORS header set on the
// response before anything else runs. Installed with Echo.Pre it also covers
// router 404/405 responses and errors from other middleware.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ApplyCORS(c.Response().Header())
			return next(c)
		}
	}
}
