package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCapabilities_Allows(t *testing.T) {
	tests := []struct {
		role   string
		stage  string
		action string
		want   bool
	}{
		{"regent", "PRE_DISPATCH", "auto_complete", true},
		{"regent", "PRE_DISPATCH", "open_session", true},
		{"regent", "VALIDATION", "start", false},
		{"regent", "DELIVERY", "scan", true},
		{"validator", "VALIDATION", "auto_complete", true},
		{"validator", "PRE_DISPATCH", "auto_complete", false},
		{"nurse", "DELIVERY", "complete", true},
		{"nurse", "RETURN", "approve_return", false},
		{"nurse", "", "report_error", true},
		{"supervisor", "RETURN", "approve_return", true},
		{"supervisor", "", "cancel_session", true},
		{"supervisor", "STAGING", "start", false},
		{"admin", "STAGING", "anything", true},
		{"billing", "DELIVERY", "scan", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		got := DefaultCapabilities.Allows(tt.role, tt.stage, tt.action)
		if got != tt.want {
			t.Errorf("Allows(%q, %q, %q) = %v, want %v", tt.role, tt.stage, tt.action, got, tt.want)
		}
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "u1", []string{"nurse"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	h := RequireRole("regent", "nurse")(handler)
	if err := h(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "u1", []string{"billing"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	err := RequireRole("regent", "nurse")(handler)(c)
	if err == nil {
		t.Fatal("expected error for unauthorized role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "root", []string{"admin"}))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := RequireRole("validator")(handler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithUser(context.Background(), "user-123", nil)
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
	if roles := RolesFromContext(context.Background()); roles != nil {
		t.Errorf("expected nil roles, got %v", roles)
	}
}
