package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RoleClinician = "clinician"
	RolePatient   = "patient"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func hasAnyRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// CanAccessPatient reports whether the caller may read or act on patientID's
// nudges. Staff roles see every patient; a patient token sees only its own.
func CanAccessPatient(ctx context.Context, patientID string) bool {
	if hasAnyRole(ctx, RoleClinician) {
		return true
	}
	bound := PatientFromContext(ctx)
	return bound != "" && bound == patientID
}

// RequirePatientAccess guards routes carrying a :patient_id path parameter.
func RequirePatientAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !CanAccessPatient(c.Request().Context(), c.Param(param)) {
				return echo.NewHTTPError(http.StatusForbidden, "access to this patient is not permitted")
			}
			return next(c)
		}
	}
}
