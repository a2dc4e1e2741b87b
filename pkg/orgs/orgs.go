// Package orgs provides organization lookup for the multi-tenant API.
package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the organization does not exist
var ErrNotFound = errors.New("organization not found")

// Status is an organization's lifecycle status
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// Organization is a tenant of the platform
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	PlanTier  string    `json:"plan_tier"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service looks up organizations
type Service interface {
	GetBySlug(ctx context.Context, slug string) (*Organization, error)
	GetByID(ctx context.Context, id string) (*Organization, error)
}

// PostgresService implements Service backed by PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

const orgColumns = `id, slug, name, domain, plan_tier, status, created_at, updated_at`

// GetBySlug retrieves an organization by its URL slug
func (s *PostgresService) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE slug = $1`, slug)
	return scanOrg(row)
}

// GetByID retrieves an organization by its ID
func (s *PostgresService) GetByID(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrg(row)
}

func scanOrg(row *sql.Row) (*Organization, error) {
	var org Organization
	err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.Domain,
		&org.PlanTier, &org.Status, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning organization: %w", err)
	}
	return &org, nil
}
