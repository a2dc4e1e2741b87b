package sso

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealscope/dealscope/pkg/audit"
	"github.com/dealscope/dealscope/pkg/billing"
	"github.com/dealscope/dealscope/pkg/observability"
)

const testBaseURL = "https://app.dealscope.io"

func billingFor(orgsFake *fakeOrgs) *billing.Service {
	return billing.NewService(orgsFake)
}

type serviceFixture struct {
	service     *Service
	handler     *Handler
	connections *ConnectionStore
	provisioner *JITProvisioner
	mock        sqlmock.Sqlmock
	orgs        *fakeOrgs
}

func newServiceFixture(t *testing.T, orgsFake *fakeOrgs) *serviceFixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	discovery := NewDiscoveryClient(5*time.Second, metrics)
	states := NewRedisStateStore(redisClient)
	engine := NewOIDCEngine(discovery, states, testBaseURL+"/sso/oidc/callback", 10*time.Minute, 5*time.Second, metrics)

	connections := NewConnectionStore(db, billingFor(orgsFake))
	provisioner := NewJITProvisioner(db, testTokenIssuer())

	service := NewService(orgsFake, connections, engine, provisioner,
		audit.NopLogger{}, logger, metrics, testBaseURL)
	handler := NewHandler(service, connections, provisioner, orgsFake, audit.NopLogger{}, logger)

	return &serviceFixture{
		service:     service,
		handler:     handler,
		connections: connections,
		provisioner: provisioner,
		mock:        mock,
		orgs:        orgsFake,
	}
}

func (f *serviceFixture) expectSAMLConnection(orgID, certificate string) {
	settings := `{"display_name":"Okta","saml":{"entity_id":"https://idp.example.com","sso_url":"https://idp.example.com/sso","certificate":"` + certificate + `"}}`
	f.mock.ExpectQuery(`SELECT .+ FROM sso_connections WHERE org_id = \$1`).
		WithArgs(orgID).
		WillReturnRows(connectionRow(orgID, true, settings))
}

func TestService_InitiateSAMLLogin(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))
	f.expectSAMLConnection("org-1", "MIICcert")

	redirectURL, err := f.service.InitiateSAMLLogin(context.Background(), "acme")
	require.NoError(t, err)

	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.Equal(t, "org-1", parsed.Query().Get("RelayState"))

	// The SAMLRequest must decode back to a well-formed AuthnRequest.
	decoded, err := DecodeRedirect(parsed.Query().Get("SAMLRequest"))
	require.NoError(t, err)
	var req AuthnRequest
	require.NoError(t, xml.Unmarshal(decoded, &req))
	assert.Equal(t, testBaseURL+"/sso/saml/callback", req.AssertionConsumerServiceURL)
	assert.Equal(t, "https://idp.example.com/sso", req.Destination)
}

func TestService_InitiateSAMLLogin_UnknownOrg(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))

	_, err := f.service.InitiateSAMLLogin(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func samlCallbackPayload(cert, email string) string {
	response := strings.Replace(sampleResponse, "alice@acme.com", email, 1)
	return base64.StdEncoding.EncodeToString([]byte(strings.Replace(response, "%s", cert, 1)))
}

func TestService_HandleSAMLCallback_Success(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))
	f.expectSAMLConnection("org-1", "MIICcert")
	expectProvision(f.mock, "user-1", "alice@acme.com", "ADMIN")

	result, err := f.service.HandleSAMLCallback(context.Background(),
		samlCallbackPayload("MIICcert", "alice@acme.com"), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", result.OrgID)
	assert.Equal(t, "alice@acme.com", result.User.Email)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_HandleSAMLCallback_DomainMismatch(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))
	f.expectSAMLConnection("org-1", "MIICcert")

	_, err := f.service.HandleSAMLCallback(context.Background(),
		samlCallbackPayload("MIICcert", "eve@evil.com"), "org-1")
	require.Error(t, err)
	assert.Equal(t, KindDomainMismatch, KindOf(err))
}

func TestService_HandleSAMLCallback_CertMismatch(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))
	f.expectSAMLConnection("org-1", "MIICconfigured")

	_, err := f.service.HandleSAMLCallback(context.Background(),
		samlCallbackPayload("MIICembeddedDifferent", "alice@acme.com"), "org-1")
	require.Error(t, err)
	assert.Equal(t, KindCertMismatch, KindOf(err))
}

func TestService_HandleSAMLCallback_BadBase64(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))

	_, err := f.service.HandleSAMLCallback(context.Background(), "%%%not-base64%%%", "org-1")
	require.Error(t, err)
	assert.Equal(t, KindMalformedResponse, KindOf(err))
}

func TestService_HandleSAMLCallback_UnknownRelayState(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))

	payload := samlCallbackPayload("MIICcert", "alice@acme.com")
	_, err := f.service.HandleSAMLCallback(context.Background(), payload, "org-unknown")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestService_HandleSAMLCallback_NoDomainConfigured(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", ""))
	f.expectSAMLConnection("org-1", "MIICcert")
	expectProvision(f.mock, "user-1", "anyone@anywhere.com", "MEMBER")

	_, err := f.service.HandleSAMLCallback(context.Background(),
		samlCallbackPayload("MIICcert", "anyone@anywhere.com"), "org-1")
	require.NoError(t, err)
}

func TestEnforceDomain(t *testing.T) {
	assert.NoError(t, enforceDomain("alice@acme.com", "acme.com"))
	assert.NoError(t, enforceDomain("alice@ACME.COM", "acme.com"))
	assert.NoError(t, enforceDomain("anyone@anywhere.org", ""))

	err := enforceDomain("eve@evil.com", "acme.com")
	require.Error(t, err)
	assert.Equal(t, KindDomainMismatch, KindOf(err))

	err = enforceDomain("not-an-email", "acme.com")
	require.Error(t, err)
	assert.Equal(t, KindDomainMismatch, KindOf(err))
}

func (f *serviceFixture) expectOIDCConnection(orgID, issuer string) {
	settings := `{"display_name":"Okta OIDC","oidc":{"client_id":"client-1","client_secret":"secret","issuer":"` + issuer + `"}}`
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "org_id", "protocol", "enabled", "settings", "created_at", "updated_at"}).
		AddRow("conn-1", orgID, "OIDC", true, []byte(settings), now, now)
	f.mock.ExpectQuery(`SELECT .+ FROM sso_connections WHERE org_id = \$1`).
		WithArgs(orgID).
		WillReturnRows(rows)
}

func TestService_OIDCLoginAndCallback(t *testing.T) {
	idp := newFakeIdP(t)
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))

	f.expectOIDCConnection("org-1", idp.srv.URL)
	authURL, err := f.service.InitiateOIDCLogin(context.Background(), "acme")
	require.NoError(t, err)
	state := extractState(t, authURL)

	idp.idToken = signIDToken(t, map[string]interface{}{
		"iss":         idp.srv.URL,
		"aud":         "client-1",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"email":       "alice@acme.com",
		"given_name":  "Alice",
		"family_name": "Smith",
	})

	f.expectOIDCConnection("org-1", idp.srv.URL)
	expectProvision(f.mock, "user-1", "alice@acme.com", "MEMBER")

	result, err := f.service.HandleOIDCCallback(context.Background(), "auth-code", state)
	require.NoError(t, err)
	assert.Equal(t, "org-1", result.OrgID)
	assert.Equal(t, "alice@acme.com", result.User.Email)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_HandleOIDCCallback_DomainMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))

	f.expectOIDCConnection("org-1", idp.srv.URL)
	authURL, err := f.service.InitiateOIDCLogin(context.Background(), "acme")
	require.NoError(t, err)

	idp.idToken = signIDToken(t, map[string]interface{}{
		"iss":   idp.srv.URL,
		"aud":   "client-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "eve@evil.com",
	})

	f.expectOIDCConnection("org-1", idp.srv.URL)
	_, err = f.service.HandleOIDCCallback(context.Background(), "auth-code", extractState(t, authURL))
	require.Error(t, err)
	assert.Equal(t, KindDomainMismatch, KindOf(err))
}

func TestService_Metadata(t *testing.T) {
	f := newServiceFixture(t, enterpriseOrgs("org-1", "acme", "acme.com"))

	doc, err := f.service.Metadata()
	require.NoError(t, err)
	assert.Contains(t, string(doc), `entityID="`+testBaseURL+`/sso/saml/metadata"`)
	assert.Contains(t, string(doc), testBaseURL+"/sso/saml/callback")
	assert.Contains(t, string(doc), bindingHTTPPost)
}
