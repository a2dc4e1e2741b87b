// Package billing exposes plan tiers and feature entitlements.
package billing

import (
	"context"
	"fmt"

	"github.com/dealscope/dealscope/pkg/orgs"
)

// PlanTier identifies an organization's subscription plan
type PlanTier string

const (
	TierStarter    PlanTier = "starter"
	TierGrowth     PlanTier = "growth"
	TierEnterprise PlanTier = "enterprise"
	TierCustom     PlanTier = "custom"
)

// SSOEntitled reports whether the tier includes SSO
func (t PlanTier) SSOEntitled() bool {
	return t == TierEnterprise || t == TierCustom
}

// Service answers entitlement questions for organizations
type Service struct {
	orgs orgs.Service
}

// NewService creates a billing Service
func NewService(orgSvc orgs.Service) *Service {
	return &Service{orgs: orgSvc}
}

// SSOEntitled reports whether the organization's plan includes SSO.
// Entitlement is evaluated on every call so plan downgrades take effect
// immediately, including against already-configured connections.
func (s *Service) SSOEntitled(ctx context.Context, orgID string) (bool, error) {
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return false, fmt.Errorf("loading organization for entitlement check: %w", err)
	}
	return PlanTier(org.PlanTier).SSOEntitled(), nil
}
