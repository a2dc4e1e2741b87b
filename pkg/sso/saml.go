package sso

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthnRequest is a minimal SAML 2.0 authentication request
type AuthnRequest struct {
	XMLName                     xml.Name  `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID                          string    `xml:"ID,attr"`
	Version                     string    `xml:"Version,attr"`
	IssueInstant                time.Time `xml:"IssueInstant,attr"`
	Destination                 string    `xml:"Destination,attr"`
	AssertionConsumerServiceURL string    `xml:"AssertionConsumerServiceURL,attr"`
	ProtocolBinding             string    `xml:"ProtocolBinding,attr"`
	Issuer                      string    `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	NameIDPolicy                NameIDPolicy
}

// NameIDPolicy requests the subject identifier format
type NameIDPolicy struct {
	XMLName     xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`
	Format      string   `xml:"Format,attr"`
	AllowCreate bool     `xml:"AllowCreate,attr"`
}

const (
	bindingHTTPPost   = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	nameIDFormatEmail = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
)

// BuildAuthnRequest constructs a SAML AuthnRequest with a fresh ID and
// current UTC issue instant. Pure construction, no network calls.
func BuildAuthnRequest(spEntityID, acsURL, idpSSOURL string) ([]byte, error) {
	req := AuthnRequest{
		ID:                          "id-" + uuid.NewString(),
		Version:                     "2.0",
		IssueInstant:                time.Now().UTC().Truncate(time.Second),
		Destination:                 idpSSOURL,
		AssertionConsumerServiceURL: acsURL,
		ProtocolBinding:             bindingHTTPPost,
		Issuer:                      spEntityID,
		NameIDPolicy: NameIDPolicy{
			Format:      nameIDFormatEmail,
			AllowCreate: true,
		},
	}
	out, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling AuthnRequest: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// EncodeRedirect encodes an AuthnRequest for the HTTP-Redirect binding:
// raw deflate, then standard base64. The result still needs URL query
// encoding, which url.Values handles at URL build time.
func EncodeRedirect(request []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := w.Write(request); err != nil {
		return "", fmt.Errorf("deflating request: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flushing deflate writer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeRedirect reverses EncodeRedirect
func DecodeRedirect(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decoding: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflating request: %w", err)
	}
	return out, nil
}

// BuildRedirectURL appends SAMLRequest and RelayState to the IdP SSO URL
func BuildRedirectURL(idpSSOURL, encodedRequest, relayState string) (string, error) {
	u, err := url.Parse(idpSSOURL)
	if err != nil {
		return "", Wrap(KindInvalidConfig, "invalid IdP SSO URL", err)
	}
	q := u.Query()
	q.Set("SAMLRequest", encodedRequest)
	q.Set("RelayState", relayState)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SAMLResponse is the parsed subset of an IdP response the service
// consumes: the subject NameID, attribute statements, and the first
// embedded signing certificate if present.
type SAMLResponse struct {
	NameID      string
	Attributes  map[string][]string
	Certificate string
}

// Attribute returns the first value whose attribute name matches any of
// the given aliases. Matching is on the trailing path segment of the
// attribute name, so URI-prefixed names like
// "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname"
// match the alias "givenname". Alias comparison is case-sensitive.
func (r *SAMLResponse) Attribute(aliases ...string) string {
	for _, alias := range aliases {
		for name, values := range r.Attributes {
			if trailingSegment(name) == alias && len(values) > 0 {
				return values[0]
			}
		}
	}
	return ""
}

// AttributeValues returns all values for the first matching alias
func (r *SAMLResponse) AttributeValues(aliases ...string) []string {
	for _, alias := range aliases {
		for name, values := range r.Attributes {
			if trailingSegment(name) == alias && len(values) > 0 {
				return values
			}
		}
	}
	return nil
}

func trailingSegment(name string) string {
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// ParseResponse walks the response XML and extracts the NameID,
// attributes and embedded certificate. Namespace prefixes are ignored;
// elements are matched by local name. Fails with MalformedResponse when
// no NameID is present.
func ParseResponse(responseXML []byte) (*SAMLResponse, error) {
	parsed := &SAMLResponse{Attributes: make(map[string][]string)}

	decoder := xml.NewDecoder(bytes.NewReader(responseXML))
	var currentAttr string
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Wrap(KindMalformedResponse, "invalid response XML", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "NameID":
				var value string
				if err := decoder.DecodeElement(&value, &el); err != nil {
					return nil, Wrap(KindMalformedResponse, "reading NameID", err)
				}
				if parsed.NameID == "" {
					parsed.NameID = strings.TrimSpace(value)
				}
			case "Attribute":
				currentAttr = ""
				for _, a := range el.Attr {
					if a.Name.Local == "Name" {
						currentAttr = a.Value
					}
				}
			case "AttributeValue":
				var value string
				if err := decoder.DecodeElement(&value, &el); err != nil {
					return nil, Wrap(KindMalformedResponse, "reading attribute value", err)
				}
				if currentAttr != "" {
					parsed.Attributes[currentAttr] = append(parsed.Attributes[currentAttr], strings.TrimSpace(value))
				}
			case "X509Certificate":
				var value string
				if err := decoder.DecodeElement(&value, &el); err != nil {
					return nil, Wrap(KindMalformedResponse, "reading certificate", err)
				}
				if parsed.Certificate == "" {
					parsed.Certificate = value
				}
			}
		case xml.EndElement:
			if el.Name.Local == "Attribute" {
				currentAttr = ""
			}
		}
	}

	if parsed.NameID == "" {
		return nil, E(KindMalformedResponse, "response carries no NameID")
	}
	return parsed, nil
}

// VerifyCertificateFingerprint compares the SHA-256 digest of the
// configured certificate against the response's embedded certificate.
// Returns (false, nil) when the response carries no certificate:
// verification is inconclusive, not failed. A digest mismatch returns a
// CertMismatch error.
//
// This is a fingerprint comparison, not XML-Signature verification; the
// trust basis is that the certificate was configured out of band by the
// tenant admin.
func VerifyCertificateFingerprint(response *SAMLResponse, configuredCertPEM string) (bool, error) {
	if response.Certificate == "" {
		return false, nil
	}

	configured := normalizeCert(configuredCertPEM)
	embedded := normalizeCert(response.Certificate)
	if configured == "" {
		return false, E(KindInvalidConfig, "configured certificate is empty")
	}

	configuredSum := sha256.Sum256([]byte(configured))
	embeddedSum := sha256.Sum256([]byte(embedded))
	if configuredSum != embeddedSum {
		return false, E(KindCertMismatch, "certificate fingerprint mismatch")
	}
	return true, nil
}

// normalizeCert strips PEM framing and all whitespace, leaving the bare
// base64 body for digest comparison.
func normalizeCert(cert string) string {
	cert = strings.ReplaceAll(cert, "-----BEGIN CERTIFICATE-----", "")
	cert = strings.ReplaceAll(cert, "-----END CERTIFICATE-----", "")
	return strings.Join(strings.Fields(cert), "")
}
