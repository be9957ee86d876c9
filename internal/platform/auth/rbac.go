package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Capabilities maps role -> stage -> allowed actions. The empty stage holds
// actions that are not tied to a stage, such as ending a session. Role
// "admin" is allowed everything and is not listed.
type Capabilities map[string]map[string][]string

// DefaultCapabilities is the round's standard permission matrix.
var DefaultCapabilities = Capabilities{
	"regent": {
		"PRE_DISPATCH": {"create", "start", "complete", "auto_complete", "report_error", "open_session"},
		"STAGING":      {"create", "start", "complete", "report_error"},
		"DELIVERY":     {"scan"},
		"RETURN":       {"scan", "request_return"},
		"":             {"report_error"},
	},
	"validator": {
		"VALIDATION": {"create", "start", "complete", "auto_complete", "report_error"},
		"":           {"report_error"},
	},
	"nurse": {
		"DELIVERY": {"create", "start", "complete", "report_error", "scan"},
		"RETURN":   {"create", "start", "complete", "report_error", "scan", "request_return"},
		"":         {"report_error"},
	},
	"supervisor": {
		"PRE_DISPATCH": {"report_error", "resolve", "open_session"},
		"STAGING":      {"report_error", "resolve"},
		"VALIDATION":   {"report_error", "resolve"},
		"DELIVERY":     {"report_error", "resolve"},
		"RETURN":       {"report_error", "resolve", "request_return", "approve_return"},
		"":             {"report_error", "cancel_session", "complete_session", "manage_patients"},
	},
}

// Allows reports whether role may perform action on stage.
func (c Capabilities) Allows(role, stage, action string) bool {
	if role == "admin" {
		return true
	}
	for _, a := range c[role][stage] {
		if a == action {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
