// Package auth — middleware.go provides HTTP middleware for extracting and
// validating the pseudonym header, injecting the resolved platform identity
// into the request context for downstream handlers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/annex-server/annex/internal/models"
)

type contextKey string

// ContextKeyIdentity is the context key for the authenticated platform
// identity.
const ContextKeyIdentity contextKey = "platform_identity"

// IdentityFromContext retrieves the authenticated identity from the request
// context, or nil if the request is unauthenticated.
func IdentityFromContext(ctx context.Context) *models.PlatformIdentity {
	v, _ := ctx.Value(ContextKeyIdentity).(*models.PlatformIdentity)
	return v
}

// PseudonymFromContext is a convenience accessor for the authenticated
// pseudonym ID; empty when unauthenticated.
func PseudonymFromContext(ctx context.Context) string {
	if ident := IdentityFromContext(ctx); ident != nil {
		return ident.PseudonymID
	}
	return ""
}

// RequireIdentity returns middleware that validates the pseudonym header
// and injects the resolved identity into the request context. Requests
// without a valid, active identity receive 401/403.
func RequireIdentity(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pseudonym := extractPseudonym(r)
			if pseudonym == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing_pseudonym",
					"The "+PseudonymHeader+" header is required")
				return
			}

			ident, err := svc.ResolveIdentity(r.Context(), pseudonym)
			if err != nil {
				if authErr, ok := err.(*AuthError); ok {
					writeAuthError(w, authErr.Status, authErr.Code, authErr.Message)
					return
				}
				writeAuthError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve identity")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIdentity, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalIdentity resolves the pseudonym header if present but does not
// require it. Public aggregate endpoints use it to enrich responses for
// authenticated callers.
func OptionalIdentity(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pseudonym := extractPseudonym(r)
			if pseudonym == "" {
				next.ServeHTTP(w, r)
				return
			}

			ident, err := svc.ResolveIdentity(r.Context(), pseudonym)
			if err == nil && ident != nil {
				r = r.WithContext(context.WithValue(r.Context(), ContextKeyIdentity, ident))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractPseudonym reads and trims the pseudonym header.
func extractPseudonym(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(PseudonymHeader))
}

// writeAuthError writes a JSON error response matching the API error
// envelope format. This avoids importing the api package, which would
// create a circular dependency since api imports auth.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
