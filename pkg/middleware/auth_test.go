package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealscope/dealscope/pkg/auth"
	"github.com/dealscope/dealscope/pkg/contextkeys"
	"github.com/dealscope/dealscope/pkg/observability"
	"github.com/dealscope/dealscope/pkg/orgs"
)

type stubOrgs struct {
	org *orgs.Organization
}

func (s *stubOrgs) GetBySlug(ctx context.Context, slug string) (*orgs.Organization, error) {
	if s.org != nil && s.org.Slug == slug {
		return s.org, nil
	}
	return nil, orgs.ErrNotFound
}

func (s *stubOrgs) GetByID(ctx context.Context, id string) (*orgs.Organization, error) {
	if s.org != nil && s.org.ID == id {
		return s.org, nil
	}
	return nil, orgs.ErrNotFound
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticate_MissingToken(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret", time.Minute, time.Hour)
	handler := Authenticate(issuer, testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret", time.Minute, time.Hour)
	handler := Authenticate(issuer, testLogger())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_ValidToken(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret", time.Minute, time.Hour)
	pair, err := issuer.IssuePair("user-1", "org-1", auth.RoleAdmin, "a@acme.com")
	require.NoError(t, err)

	var gotClaims *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = contextkeys.Value(r.Context(), contextkeys.AuthKey).(*auth.Claims)
		w.WriteHeader(http.StatusOK)
	})
	handler := Authenticate(issuer, testLogger())(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "user-1", gotClaims.UserID)
}

func adminRequest(t *testing.T, issuer *auth.TokenIssuer, orgID, role string) *http.Request {
	t.Helper()
	pair, err := issuer.IssuePair("user-1", orgID, auth.Role(role), "a@acme.com")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/orgs/acme/sso/connection", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	return req
}

func TestRequireOrgAdmin(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret", time.Minute, time.Hour)
	org := &orgs.Organization{ID: "org-1", Slug: "acme"}

	tests := []struct {
		name   string
		orgID  string
		role   string
		status int
	}{
		{"admin of the org passes", "org-1", "ADMIN", http.StatusOK},
		{"member is forbidden", "org-1", "MEMBER", http.StatusForbidden},
		{"admin of another org is forbidden", "org-2", "ADMIN", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := mux.NewRouter()
			sub := router.PathPrefix("/").Subrouter()
			sub.Use(Authenticate(issuer, testLogger()))
			sub.Use(RequireOrgAdmin(&stubOrgs{org: org}))
			sub.Handle("/orgs/{slug}/sso/connection", okHandler())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, adminRequest(t, issuer, tt.orgID, tt.role))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRequireOrgAdmin_UnknownOrg(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret", time.Minute, time.Hour)

	router := mux.NewRouter()
	sub := router.PathPrefix("/").Subrouter()
	sub.Use(Authenticate(issuer, testLogger()))
	sub.Use(RequireOrgAdmin(&stubOrgs{}))
	sub.Handle("/orgs/{slug}/sso/connection", okHandler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, issuer, "org-1", "ADMIN"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
