// Package middleware provides authentication and authorization HTTP
// middleware for the Dealscope API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/dealscope/dealscope/pkg/auth"
	"github.com/dealscope/dealscope/pkg/contextkeys"
	"github.com/dealscope/dealscope/pkg/httputil"
	"github.com/dealscope/dealscope/pkg/observability"
	"github.com/dealscope/dealscope/pkg/orgs"
)

// Authenticate verifies the bearer access token and stores its claims
// in the request context.
func Authenticate(tokens *auth.TokenIssuer, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				httputil.WriteUnauthorized(w, "missing bearer token")
				return
			}
			claims, err := tokens.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				logger.WithError(err).Debug("rejected bearer token")
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}
			ctx := contextkeys.WithValue(r.Context(), contextkeys.AuthKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOrgAdmin requires the authenticated user to hold the ADMIN
// role in the org named by the {slug} path parameter. The org claim in
// the token must match the org being administered.
func RequireOrgAdmin(orgSvc orgs.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := contextkeys.Value(r.Context(), contextkeys.AuthKey).(*auth.Claims)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			slug := mux.Vars(r)["slug"]
			if slug == "" {
				httputil.WriteBadRequest(w, "missing organization slug")
				return
			}
			org, err := orgSvc.GetBySlug(r.Context(), slug)
			if err != nil {
				httputil.WriteNotFoundError(w, "organization not found")
				return
			}

			if claims.OrgID != org.ID || claims.Role != string(auth.RoleAdmin) {
				httputil.WriteForbidden(w, "organization admin role required")
				return
			}

			ctx := contextkeys.WithValue(r.Context(), contextkeys.OrgKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
