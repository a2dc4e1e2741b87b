package sso

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdP serves a discovery document and a token endpoint
type fakeIdP struct {
	srv      *httptest.Server
	idToken  string
	tokenErr int
	lastForm url.Values
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 idp.srv.URL,
			"authorization_endpoint": idp.srv.URL + "/authorize",
			"token_endpoint":         idp.srv.URL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		idp.lastForm = r.PostForm
		if idp.tokenErr != 0 {
			w.WriteHeader(idp.tokenErr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "upstream-access",
			"token_type":   "Bearer",
			"id_token":     idp.idToken,
		})
	})
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("idp-key"))
	require.NoError(t, err)
	return token
}

func newTestOIDCEngine(t *testing.T, stateTTL time.Duration) (*OIDCEngine, StateStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	states := NewRedisStateStore(client)
	engine := NewOIDCEngine(NewDiscoveryClient(5*time.Second, nil), states,
		"https://app.dealscope.io/sso/oidc/callback", stateTTL, 5*time.Second, nil)
	return engine, states
}

func TestOIDCEngine_AuthorizationURL(t *testing.T) {
	idp := newFakeIdP(t)
	engine, _ := newTestOIDCEngine(t, 10*time.Minute)

	settings := &OIDCSettings{
		ClientID:     "client-1",
		ClientSecret: "secret",
		Issuer:       idp.srv.URL,
	}
	authURL, err := engine.AuthorizationURL(context.Background(), "org-1", settings)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://app.dealscope.io/sso/oidc/callback", q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Contains(t, q.Get("scope"), "openid")
	assert.Contains(t, q.Get("scope"), "email")
}

func TestOIDCEngine_Redeem(t *testing.T) {
	idp := newFakeIdP(t)
	engine, _ := newTestOIDCEngine(t, 10*time.Minute)

	settings := &OIDCSettings{
		ClientID:     "client-1",
		ClientSecret: "secret",
		Issuer:       idp.srv.URL,
	}
	idp.idToken = signIDToken(t, jwt.MapClaims{
		"iss":         idp.srv.URL,
		"aud":         "client-1",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"email":       "alice@acme.com",
		"given_name":  "Alice",
		"family_name": "Smith",
		"groups":      []string{"Admins"},
	})

	authURL, err := engine.AuthorizationURL(context.Background(), "org-1", settings)
	require.NoError(t, err)
	state := extractState(t, authURL)

	identity, orgID, err := engine.Redeem(context.Background(), "auth-code", state,
		func(string) (*OIDCSettings, error) { return settings, nil })
	require.NoError(t, err)
	assert.Equal(t, "org-1", orgID)
	assert.Equal(t, "alice@acme.com", identity.Email)
	assert.Equal(t, "Alice", identity.FirstName)
	assert.Equal(t, "Smith", identity.LastName)
	assert.Equal(t, []string{"Admins"}, identity.Groups)

	// PKCE verifier travels on the exchange.
	assert.NotEmpty(t, idp.lastForm.Get("code_verifier"))
	assert.Equal(t, "auth-code", idp.lastForm.Get("code"))
}

func TestOIDCEngine_Redeem_StateSingleUse(t *testing.T) {
	idp := newFakeIdP(t)
	engine, _ := newTestOIDCEngine(t, 10*time.Minute)

	settings := &OIDCSettings{ClientID: "client-1", ClientSecret: "secret", Issuer: idp.srv.URL}
	idp.idToken = signIDToken(t, jwt.MapClaims{
		"iss":   idp.srv.URL,
		"aud":   "client-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "alice@acme.com",
	})

	authURL, err := engine.AuthorizationURL(context.Background(), "org-1", settings)
	require.NoError(t, err)
	state := extractState(t, authURL)

	lookup := func(string) (*OIDCSettings, error) { return settings, nil }
	_, _, err = engine.Redeem(context.Background(), "auth-code", state, lookup)
	require.NoError(t, err)

	_, _, err = engine.Redeem(context.Background(), "auth-code", state, lookup)
	require.Error(t, err)
	assert.Equal(t, KindInvalidOrExpiredState, KindOf(err))
}

func TestOIDCEngine_Redeem_TokenExchangeFailed(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenErr = http.StatusBadRequest
	engine, _ := newTestOIDCEngine(t, 10*time.Minute)

	settings := &OIDCSettings{ClientID: "client-1", ClientSecret: "secret", Issuer: idp.srv.URL}
	authURL, err := engine.AuthorizationURL(context.Background(), "org-1", settings)
	require.NoError(t, err)

	_, _, err = engine.Redeem(context.Background(), "bad-code", extractState(t, authURL),
		func(string) (*OIDCSettings, error) { return settings, nil })
	require.Error(t, err)
	assert.Equal(t, KindTokenExchangeFailed, KindOf(err))
}

func TestIdentityFromIDToken_ClaimValidation(t *testing.T) {
	engine, _ := newTestOIDCEngine(t, time.Minute)
	settings := &OIDCSettings{ClientID: "client-1", ClientSecret: "s", Issuer: "https://idp.example.com"}

	tests := []struct {
		name   string
		claims jwt.MapClaims
		kind   Kind
	}{
		{
			name: "issuer mismatch",
			claims: jwt.MapClaims{
				"iss": "https://evil.example.com", "aud": "client-1",
				"exp": time.Now().Add(time.Hour).Unix(), "email": "a@b.c",
			},
			kind: KindInvalidToken,
		},
		{
			name: "audience excludes client",
			claims: jwt.MapClaims{
				"iss": "https://idp.example.com", "aud": "other-client",
				"exp": time.Now().Add(time.Hour).Unix(), "email": "a@b.c",
			},
			kind: KindInvalidToken,
		},
		{
			name: "expired",
			claims: jwt.MapClaims{
				"iss": "https://idp.example.com", "aud": "client-1",
				"exp": time.Now().Add(-time.Hour).Unix(), "email": "a@b.c",
			},
			kind: KindInvalidToken,
		},
		{
			name: "missing email",
			claims: jwt.MapClaims{
				"iss": "https://idp.example.com", "aud": "client-1",
				"exp": time.Now().Add(time.Hour).Unix(),
			},
			kind: KindMissingEmailClaim,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.identityFromIDToken(signIDToken(t, tt.claims), settings)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestIdentityFromIDToken_NameSplit(t *testing.T) {
	engine, _ := newTestOIDCEngine(t, time.Minute)
	settings := &OIDCSettings{ClientID: "client-1", ClientSecret: "s", Issuer: "https://idp.example.com"}

	identity, err := engine.identityFromIDToken(signIDToken(t, jwt.MapClaims{
		"iss":   "https://idp.example.com",
		"aud":   "client-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "bob@acme.com",
		"name":  "Bob van der Berg",
	}), settings)
	require.NoError(t, err)
	assert.Equal(t, "Bob van der", identity.FirstName)
	assert.Equal(t, "Berg", identity.LastName)
}

func extractState(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}
