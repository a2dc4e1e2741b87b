package sso

import (
	"strings"
	"time"

	"github.com/dealscope/dealscope/pkg/auth"
)

// Protocol identifies the federation protocol of a connection
type Protocol string

const (
	ProtocolSAML Protocol = "SAML"
	ProtocolOIDC Protocol = "OIDC"
)

// SAMLSettings are the provider-specific fields of a SAML connection
type SAMLSettings struct {
	// EntityID is the IdP's entity identifier
	EntityID string `json:"entity_id"`
	// SSOURL is the IdP's single-sign-on endpoint
	SSOURL string `json:"sso_url"`
	// Certificate is the IdP's signing certificate, PEM or bare base64
	Certificate string `json:"certificate"`
}

// OIDCSettings are the provider-specific fields of an OIDC connection
type OIDCSettings struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	// Issuer or DiscoveryURL locate the provider metadata; at least one
	// must be set. When only Issuer is present the well-known path is
	// derived from it.
	Issuer       string `json:"issuer,omitempty"`
	DiscoveryURL string `json:"discovery_url,omitempty"`
}

// Connection is a tenant's SSO configuration. Protocol selects which
// settings block is populated; the other is nil.
type Connection struct {
	ID          string        `json:"id"`
	OrgID       string        `json:"org_id"`
	DisplayName string        `json:"display_name"`
	Protocol    Protocol      `json:"protocol"`
	Enabled     bool          `json:"enabled"`
	SAML        *SAMLSettings `json:"saml,omitempty"`
	OIDC        *OIDCSettings `json:"oidc,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Validate checks that the protocol-specific required fields are present
func (c *Connection) Validate() error {
	switch c.Protocol {
	case ProtocolSAML:
		if c.SAML == nil {
			return E(KindInvalidConfig, "SAML settings are required")
		}
		if c.SAML.EntityID == "" || c.SAML.SSOURL == "" || c.SAML.Certificate == "" {
			return E(KindInvalidConfig, "SAML connections require entity_id, sso_url and certificate")
		}
	case ProtocolOIDC:
		if c.OIDC == nil {
			return E(KindInvalidConfig, "OIDC settings are required")
		}
		if c.OIDC.ClientID == "" || c.OIDC.ClientSecret == "" {
			return E(KindInvalidConfig, "OIDC connections require client_id and client_secret")
		}
		if c.OIDC.Issuer == "" && c.OIDC.DiscoveryURL == "" {
			return E(KindInvalidConfig, "OIDC connections require issuer or discovery_url")
		}
	default:
		return Ef(KindInvalidConfig, "unknown protocol %q", c.Protocol)
	}
	return nil
}

// Redact returns a copy safe for API responses: the OIDC client secret
// is masked. SAML certificates are public material and pass through.
func (c *Connection) Redact() *Connection {
	out := *c
	if c.SAML != nil {
		saml := *c.SAML
		out.SAML = &saml
	}
	if c.OIDC != nil {
		oidc := *c.OIDC
		if oidc.ClientSecret != "" {
			oidc.ClientSecret = "********"
		}
		out.OIDC = &oidc
	}
	return &out
}

// Identity is a verified federated identity extracted from an IdP
// response, before provisioning.
type Identity struct {
	Email     string
	FirstName string
	LastName  string
	// Groups are the raw group/role claims used for role derivation
	Groups []string
}

// DeriveRole maps group claims to a tenant role: any group containing
// "admin" (case-insensitive) grants ADMIN, otherwise MEMBER. Applied on
// first provisioning only.
func (i Identity) DeriveRole() auth.Role {
	for _, g := range i.Groups {
		if containsFold(g, "admin") {
			return auth.RoleAdmin
		}
	}
	return auth.RoleMember
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// SplitName splits a full display name into first and last name. The
// last whitespace-separated token becomes the last name.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
}

// LoginResult is the outcome of a successful federated login
type LoginResult struct {
	User   *auth.User      `json:"user"`
	OrgID  string          `json:"org_id"`
	Tokens *auth.TokenPair `json:"tokens"`
}
