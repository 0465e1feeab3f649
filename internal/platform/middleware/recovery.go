package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const defaultStackSize = 8 << 10

// RecoveryConfig controls panic handling. Panics is optional and counted by
// route template.
type RecoveryConfig struct {
	StackSize int
	Panics    *prometheus.CounterVec
}

// Recovery turns a handler panic into a 500 and logs it with the request's
// route and id. http.ErrAbortHandler is re-raised so net/http can drop the
// connection.
func Recovery(logger zerolog.Logger, cfg RecoveryConfig) echo.MiddlewareFunc {
	size := cfg.StackSize
	if size <= 0 {
		size = defaultStackSize
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, size)
				stack = stack[:runtime.Stack(stack, false)]

				route := routeOf(c)
				if cfg.Panics != nil {
					cfg.Panics.WithLabelValues(route).Inc()
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("route", route).
					Str("method", c.Request().Method).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}
