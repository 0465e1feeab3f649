package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityConfig selects the optional headers. HSTS belongs only on
// deployments served over TLS.
type SecurityConfig struct {
	HSTS bool
}

// SecurityHeaders marks every response as uncacheable and non-embeddable.
// Nudge bodies quote patient wellness data, so nothing may be stored by
// intermediaries.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	headers := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
		{"Pragma", "no-cache"},
	}
	if cfg.HSTS {
		headers = append(headers, [2]string{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
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
