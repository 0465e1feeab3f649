package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/carenudge/internal/platform/auth"
)

// AccessEntry describes one authenticated request that touched patient data.
type AccessEntry struct {
	UserID    string
	UserRoles []string
	PatientID *uuid.UUID
	NudgeID   *uuid.UUID
	Route     string
	Method    string
	Action    string
	Status    int
	RequestID string
	RemoteIP  string
	UserAgent string
	At        time.Time
}

// AccessRecorder persists access entries, typically to audit_event.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, entry AccessEntry) error
}

type AccessRecorderFunc func(ctx context.Context, entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(ctx context.Context, entry AccessEntry) error {
	return f(ctx, entry)
}

// AccessAudit records every request carrying a :patient_id or :id route
// parameter after the handler runs. Recorder failures are logged and never
// change the response. rec may be nil, in which case only the log line is
// written.
//
// Mount it inside the tenant middleware so the recorder writes through the
// request's tenant connection.
func AccessAudit(logger zerolog.Logger, rec AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			patientID := uuidParam(c, "patient_id")
			nudgeID := uuidParam(c, "id")
			if patientID == nil && nudgeID == nil {
				return err
			}

			req := c.Request()
			ctx := req.Context()
			entry := AccessEntry{
				UserID:    auth.UserIDFromContext(ctx),
				UserRoles: auth.RolesFromContext(ctx),
				PatientID: patientID,
				NudgeID:   nudgeID,
				Route:     c.Path(),
				Method:    req.Method,
				Action:    methodAction(req.Method),
				Status:    responseStatus(c, err),
				RemoteIP:  c.RealIP(),
				UserAgent: req.UserAgent(),
				At:        time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if rec != nil {
				if recErr := rec.RecordAccess(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record access")
				}
			}

			evt := logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("route", entry.Route).
				Str("action", entry.Action).
				Int("status", entry.Status)
			if patientID != nil {
				evt = evt.Str("patient_id", patientID.String())
			}
			if nudgeID != nil {
				evt = evt.Str("nudge_id", nudgeID.String())
			}
			evt.Msg("access")

			return err
		}
	}
}

// methodAction maps HTTP methods to audit_event action codes.
func methodAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "R"
	case http.MethodPut, http.MethodPatch:
		return "U"
	case http.MethodDelete:
		return "D"
	}
	return "E"
}

func uuidParam(c echo.Context, name string) *uuid.UUID {
	raw := c.Param(name)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return http.StatusInternalServerError
}
