package sso

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies SSO failures for HTTP mapping and logging
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindPlanRestricted        Kind = "plan_restricted"
	KindConflict              Kind = "conflict"
	KindInvalidConfig         Kind = "invalid_config"
	KindDomainMismatch        Kind = "domain_mismatch"
	KindCertMismatch          Kind = "cert_mismatch"
	KindInvalidOrExpiredState Kind = "invalid_or_expired_state"
	KindDiscoveryFailed       Kind = "discovery_failed"
	KindTokenExchangeFailed   Kind = "token_exchange_failed"
	KindInvalidToken          Kind = "invalid_token"
	KindMissingEmailClaim     Kind = "missing_email_claim"
	KindMalformedResponse     Kind = "malformed_response"
	KindInternal              Kind = "internal"
)

// Error is a classified SSO failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates an *Error with the given kind and message
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates an *Error with a formatted message
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error wrapping an underlying cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its HTTP status code
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindPlanRestricted, KindDomainMismatch:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindInvalidConfig, KindInvalidOrExpiredState,
		KindMissingEmailClaim, KindMalformedResponse:
		return http.StatusBadRequest
	case KindCertMismatch, KindInvalidToken:
		return http.StatusUnauthorized
	case KindDiscoveryFailed, KindTokenExchangeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// SecurityRelevant reports whether rejections of this kind indicate a
// possible attack or broken IdP trust relationship. These get distinct
// log and metric treatment from config or transient errors.
func (k Kind) SecurityRelevant() bool {
	switch k {
	case KindDomainMismatch, KindCertMismatch, KindInvalidToken:
		return true
	}
	return false
}
