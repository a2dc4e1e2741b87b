package sso

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAuthnRequest(t *testing.T) {
	out, err := BuildAuthnRequest(
		"https://app.dealscope.io/sso/saml/metadata",
		"https://app.dealscope.io/sso/saml/callback",
		"https://idp.example.com/sso",
	)
	require.NoError(t, err)

	var req AuthnRequest
	require.NoError(t, xml.Unmarshal(out, &req))
	assert.Equal(t, "2.0", req.Version)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "https://idp.example.com/sso", req.Destination)
	assert.Equal(t, "https://app.dealscope.io/sso/saml/callback", req.AssertionConsumerServiceURL)
	assert.Equal(t, bindingHTTPPost, req.ProtocolBinding)
	assert.Equal(t, "https://app.dealscope.io/sso/saml/metadata", req.Issuer)
	assert.Equal(t, nameIDFormatEmail, req.NameIDPolicy.Format)
	assert.True(t, req.NameIDPolicy.AllowCreate)
}

func TestBuildAuthnRequest_FreshIDs(t *testing.T) {
	first, err := BuildAuthnRequest("sp", "acs", "idp")
	require.NoError(t, err)
	second, err := BuildAuthnRequest("sp", "acs", "idp")
	require.NoError(t, err)

	var a, b AuthnRequest
	require.NoError(t, xml.Unmarshal(first, &a))
	require.NoError(t, xml.Unmarshal(second, &b))
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEncodeRedirect_RoundTrip(t *testing.T) {
	request, err := BuildAuthnRequest(
		"https://app.dealscope.io/sso/saml/metadata",
		"https://app.dealscope.io/sso/saml/callback",
		"https://idp.example.com/sso",
	)
	require.NoError(t, err)

	encoded, err := EncodeRedirect(request)
	require.NoError(t, err)

	decoded, err := DecodeRedirect(encoded)
	require.NoError(t, err)
	assert.Equal(t, request, decoded)

	var req AuthnRequest
	require.NoError(t, xml.Unmarshal(decoded, &req))
	assert.Equal(t, "https://app.dealscope.io/sso/saml/callback", req.AssertionConsumerServiceURL)
	assert.Equal(t, bindingHTTPPost, req.ProtocolBinding)
}

func TestBuildRedirectURL(t *testing.T) {
	got, err := BuildRedirectURL("https://idp.example.com/sso?foo=bar", "ENCODED+REQ==", "org-1")
	require.NoError(t, err)
	assert.Contains(t, got, "SAMLRequest=ENCODED%2BREQ%3D%3D")
	assert.Contains(t, got, "RelayState=org-1")
	assert.Contains(t, got, "foo=bar")
}

const sampleResponse = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">
  <saml:Assertion>
    <ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
      <ds:KeyInfo>
        <ds:X509Data>
          <ds:X509Certificate>%s</ds:X509Certificate>
        </ds:X509Data>
      </ds:KeyInfo>
    </ds:Signature>
    <saml:Subject>
      <saml:NameID Format="urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress">alice@acme.com</saml:NameID>
    </saml:Subject>
    <saml:AttributeStatement>
      <saml:Attribute Name="http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname">
        <saml:AttributeValue>Alice</saml:AttributeValue>
      </saml:Attribute>
      <saml:Attribute Name="http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname">
        <saml:AttributeValue>Smith</saml:AttributeValue>
      </saml:Attribute>
      <saml:Attribute Name="groups">
        <saml:AttributeValue>Engineering</saml:AttributeValue>
        <saml:AttributeValue>Admins</saml:AttributeValue>
      </saml:Attribute>
    </saml:AttributeStatement>
  </saml:Assertion>
</samlp:Response>`

func sampleResponseWithCert(cert string) []byte {
	return []byte(fmt.Sprintf(sampleResponse, cert))
}

func TestParseResponse(t *testing.T) {
	parsed, err := ParseResponse(sampleResponseWithCert("MIICCERTBODY"))
	require.NoError(t, err)

	assert.Equal(t, "alice@acme.com", parsed.NameID)
	assert.Equal(t, "MIICCERTBODY", parsed.Certificate)
	assert.Equal(t, "Alice", parsed.Attribute("givenname", "givenName", "firstName"))
	assert.Equal(t, "Smith", parsed.Attribute("surname", "sn", "lastName"))
	assert.Equal(t, []string{"Engineering", "Admins"}, parsed.AttributeValues("groups", "memberOf"))
}

func TestParseResponse_AliasFallback(t *testing.T) {
	parsed, err := ParseResponse(sampleResponseWithCert("cert"))
	require.NoError(t, err)

	// First alias misses, namespaced fallback hits on the trailing segment.
	assert.Equal(t, "Alice", parsed.Attribute("given_name", "givenname"))
	// Case-sensitive: "Givenname" does not match.
	assert.Empty(t, parsed.Attribute("Givenname"))
}

func TestParseResponse_NoNameID(t *testing.T) {
	_, err := ParseResponse([]byte(`<Response><Attribute Name="email"><AttributeValue>x@y.z</AttributeValue></Attribute></Response>`))
	require.Error(t, err)
	assert.Equal(t, KindMalformedResponse, KindOf(err))
}

func TestParseResponse_InvalidXML(t *testing.T) {
	_, err := ParseResponse([]byte(`<Response><NameID>bob@acme.com`))
	require.Error(t, err)
	assert.Equal(t, KindMalformedResponse, KindOf(err))
}

func TestVerifyCertificateFingerprint_Match(t *testing.T) {
	certBody := "MIICsampleCERTIFICATEbody1234"
	pem := "-----BEGIN CERTIFICATE-----\nMIICsampleCERTIFIC\nATEbody1234\n-----END CERTIFICATE-----"

	parsed, err := ParseResponse(sampleResponseWithCert(certBody))
	require.NoError(t, err)

	verified, err := VerifyCertificateFingerprint(parsed, pem)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestVerifyCertificateFingerprint_Mismatch(t *testing.T) {
	parsed, err := ParseResponse(sampleResponseWithCert("MIICattackerCERT"))
	require.NoError(t, err)

	verified, err := VerifyCertificateFingerprint(parsed, "MIICconfiguredCERT")
	require.Error(t, err)
	assert.False(t, verified)
	assert.Equal(t, KindCertMismatch, KindOf(err))
}

func TestVerifyCertificateFingerprint_Inconclusive(t *testing.T) {
	parsed := &SAMLResponse{NameID: "alice@acme.com"}

	verified, err := VerifyCertificateFingerprint(parsed, "MIICconfiguredCERT")
	require.NoError(t, err)
	assert.False(t, verified)
}

func TestDecodeRedirect_InvalidBase64(t *testing.T) {
	_, err := DecodeRedirect("!!!not-base64!!!")
	assert.Error(t, err)
}

func TestEncodeRedirect_IsBase64(t *testing.T) {
	encoded, err := EncodeRedirect([]byte("<AuthnRequest/>"))
	require.NoError(t, err)
	_, err = base64.StdEncoding.DecodeString(encoded)
	assert.NoError(t, err)
}
