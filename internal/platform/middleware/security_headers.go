package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for a JSON-only API. Responses may
// describe study populations, so nothing is cached.
func SecurityHeaders() echo.MiddlewareFunc {
	headers := [][2]string{
		{echo.HeaderXContentTypeOptions, "nosniff"},
		{echo.HeaderXFrameOptions, "DENY"},
		{echo.HeaderContentSecurityPolicy, "default-src 'none'; frame-ancestors 'none'"},
		{echo.HeaderReferrerPolicy, "no-referrer"},
		{"Cache-Control", "no-store"},
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range headers {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
