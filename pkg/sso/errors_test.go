package sso

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindPlanRestricted, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindInvalidConfig, http.StatusBadRequest},
		{KindDomainMismatch, http.StatusForbidden},
		{KindCertMismatch, http.StatusUnauthorized},
		{KindInvalidOrExpiredState, http.StatusBadRequest},
		{KindDiscoveryFailed, http.StatusBadGateway},
		{KindTokenExchangeFailed, http.StatusBadGateway},
		{KindInvalidToken, http.StatusUnauthorized},
		{KindMissingEmailClaim, http.StatusBadRequest},
		{KindMalformedResponse, http.StatusBadRequest},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
		})
	}
}

func TestKind_SecurityRelevant(t *testing.T) {
	assert.True(t, KindDomainMismatch.SecurityRelevant())
	assert.True(t, KindCertMismatch.SecurityRelevant())
	assert.True(t, KindInvalidToken.SecurityRelevant())
	assert.False(t, KindNotFound.SecurityRelevant())
	assert.False(t, KindInvalidOrExpiredState.SecurityRelevant())
	assert.False(t, KindDiscoveryFailed.SecurityRelevant())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(E(KindConflict, "dup")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", E(KindDomainMismatch, "bad domain"))
	assert.Equal(t, KindDomainMismatch, KindOf(wrapped))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("network down")
	err := Wrap(KindDiscoveryFailed, "fetching metadata", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "discovery_failed")
	assert.Contains(t, err.Error(), "network down")
}
