package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// TimeoutConfig sets per-request deadlines. Routes overrides Default by route
// template, e.g. to give evaluation room for text generation.
type TimeoutConfig struct {
	Default  time.Duration
	Routes   map[string]time.Duration
	Timeouts *prometheus.CounterVec
}

func (cfg TimeoutConfig) forRoute(route string) time.Duration {
	if d, ok := cfg.Routes[route]; ok && d > 0 {
		return d
	}
	return cfg.Default
}

// RequestTimeout bounds each request with a context deadline and answers 504
// when the handler has not finished in time. Handlers see the deadline on the
// request context. A zero timeout leaves the route unbounded.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := routeOf(c)
			timeout := cfg.forRoute(route)
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					// Client went away.
					return ctx.Err()
				}
				if cfg.Timeouts != nil {
					cfg.Timeouts.WithLabelValues(route).Inc()
				}
				if c.Response().Committed {
					return nil
				}
				rid, _ := c.Get("request_id").(string)
				return c.JSON(http.StatusGatewayTimeout, map[string]string{
					"message":    "request processing exceeded the allowed time limit",
					"request_id": rid,
				})
			}
		}
	}
}
