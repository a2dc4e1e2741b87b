// Package sso implements enterprise single sign-on against per-tenant
// identity providers over two protocols: SAML 2.0 (HTTP-Redirect for
// the outbound request, HTTP-POST for the response) and OpenID Connect
// with PKCE.
//
// Each organization configures at most one connection. Logins resolve
// the org, drive the matching protocol engine against the configured
// IdP, enforce the org's email-domain boundary on the asserted
// identity, provision the user and membership just-in-time, and return
// minted session tokens. Every successful login and every
// security-relevant rejection is audited.
package sso
