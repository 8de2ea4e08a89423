package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AccessEntry describes one call against the scheduling API.
type AccessEntry struct {
	RequestID  string
	TenantID   string
	UserID     string
	Roles      []string
	Action     string
	Collection string
	TargetID   string
	Method     string
	Path       string
	Status     int
}

// Audit logs who touched which booking, practitioner or patient. Every API
// call is recorded; mutations are logged at info and reads at debug.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := accessEntry(c)
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.Status = he.Code
				} else if entry.Status < 400 {
					entry.Status = http.StatusInternalServerError
				}
			}

			evt := logger.Debug()
			if entry.Action != "read" {
				evt = logger.Info()
			}
			evt.
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.Roles).
				Str("action", entry.Action).
				Str("collection", entry.Collection).
				Str("target_id", entry.TargetID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.Status).
				Msg("api_access")

			return err
		}
	}
}

func accessEntry(c echo.Context) AccessEntry {
	req := c.Request()
	ctx := req.Context()
	collection, target := splitAPIPath(req.URL.Path)
	entry := AccessEntry{
		UserID:     auth.UserIDFromContext(ctx),
		Roles:      auth.RolesFromContext(ctx),
		Action:     methodToAction(req.Method),
		Collection: collection,
		TargetID:   target,
		Method:     req.Method,
		Path:       req.URL.Path,
		Status:     c.Response().Status,
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.TenantID, _ = c.Get("tenant_id").(string)
	return entry
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitAPIPath returns the collection and, when the second segment is a uuid,
// the target id: /api/v1/bookings/<id>/state -> ("bookings", "<id>").
func splitAPIPath(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	collection := segments[0]
	if collection == "" {
		collection = "unknown"
	}
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			return collection, segments[1]
		}
	}
	return collection, ""
}
