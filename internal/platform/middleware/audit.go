package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/auth"
)

// AuditEntry records one access to patient identity data.
type AuditEntry struct {
	RequestID  string
	UserID     string
	UserRoles  []string
	Action     string // read, search, update, delete
	PatientRef string
	Route      string
	RemoteIP   string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under pathPrefix as a phi_access event and hands it
// to recorder when one is given. It must run after authentication.
func Audit(logger zerolog.Logger, pathPrefix string, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, pathPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := req.Context()
			entry := AuditEntry{
				RequestID:  RequestIDFrom(c),
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Action:     auditAction(req.Method),
				PatientRef: c.Param("patient_ref"),
				Route:      c.Path(),
				RemoteIP:   c.RealIP(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("patient_ref", entry.PatientRef).
				Str("route", entry.Route).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func auditAction(method string) string {
	switch method {
	case http.MethodPost:
		// POST is only used for duplicate searches.
		return "search"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
