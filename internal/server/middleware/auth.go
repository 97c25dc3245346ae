package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal types.
const (
	PrincipalAPIKey = "api_key"
	PrincipalAdmin  = "admin"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type       string // "admin" or "api_key"
	KeyID      int64
	Name       string
	Permission model.PermissionLevel
	Tier       model.Tier
	AdminID    int64
	Email      string
	IsAdmin    bool
}

// JWTValidator verifies administrator bearer tokens.
type JWTValidator interface {
	ValidateJWT(ctx context.Context, token string) (*service.JWTPrincipal, error)
}

// AdminAuth returns an HTTP middleware that requires a valid admin JWT in
// the Authorization header. API keys are not accepted on admin routes.
// On success, an admin Principal is attached to the request context.
func AdminAuth(validator JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, model.CodeUnauthorized,
					"Authentication required. Provide an admin Bearer token.", nil)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			p, err := validator.ValidateJWT(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, model.CodeUnauthorized, "Invalid token", nil)
				return
			}

			principal := &Principal{
				Type:    PrincipalAdmin,
				AdminID: p.AdminID,
				Email:   p.Email,
				IsAdmin: true,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-level access.
// It must be used after AdminAuth in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin {
				writeError(w, http.StatusForbidden, model.CodeForbidden, "Admin access required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}
