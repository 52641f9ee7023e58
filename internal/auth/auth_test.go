package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/annex-server/annex/internal/models"
)

func TestExtractPseudonym(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"plain", "abc123", "abc123"},
		{"trimmed", "  abc123 ", "abc123"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set(PseudonymHeader, tc.header)
			}
			if got := extractPseudonym(req); got != tc.want {
				t.Errorf("extractPseudonym(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestIdentityFromContext(t *testing.T) {
	ident := &models.PlatformIdentity{PseudonymID: "p123", Active: true}
	ctx := context.WithValue(context.Background(), ContextKeyIdentity, ident)

	if got := IdentityFromContext(ctx); got != ident {
		t.Errorf("IdentityFromContext = %v, want %v", got, ident)
	}
	if got := PseudonymFromContext(ctx); got != "p123" {
		t.Errorf("PseudonymFromContext = %q, want %q", got, "p123")
	}

	// Empty context.
	if got := IdentityFromContext(context.Background()); got != nil {
		t.Errorf("IdentityFromContext(empty) = %v, want nil", got)
	}
	if got := PseudonymFromContext(context.Background()); got != "" {
		t.Errorf("PseudonymFromContext(empty) = %q, want empty", got)
	}
}

func TestRequireIdentityMissingHeader(t *testing.T) {
	handler := RequireIdentity(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached without a pseudonym header")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Code != "missing_pseudonym" {
		t.Errorf("error code = %q, want missing_pseudonym", body.Error.Code)
	}
}

func TestOptionalIdentityMissingHeaderPassesThrough(t *testing.T) {
	reached := false
	handler := OptionalIdentity(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		if IdentityFromContext(r.Context()) != nil {
			t.Error("identity should be nil without header")
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if !reached {
		t.Error("handler was not reached")
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	writeAuthError(w, http.StatusForbidden, "identity_inactive", "Platform identity is not active")

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{Code: "test_code", Message: "test message", Status: 401}
	want := "auth: test_code: test message"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
