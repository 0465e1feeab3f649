package auth

import (
	"github.com/labstack/echo/v4"
)

// PublicRoutes are the infrastructure endpoints reachable without a token.
var PublicRoutes = []string{"/health", "/health/db", "/metrics"}

// RouteSkipper returns a skipper matching the request's route template, so
// "/health/extra" does not ride on "/health" and parameterized routes can be
// listed as registered.
func RouteSkipper(routes ...string) func(echo.Context) bool {
	set := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		set[r] = struct{}{}
	}
	return func(c echo.Context) bool {
		_, ok := set[c.Path()]
		return ok
	}
}

// AuthSkipper skips authentication for PublicRoutes.
var AuthSkipper = RouteSkipper(PublicRoutes...)
