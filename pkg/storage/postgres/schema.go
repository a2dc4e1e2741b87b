package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements bootstrap the tables the service depends on. The
// uniqueness constraints here back the upsert paths: users are unique
// by email, memberships by (org_id, user_id), and each org has at most
// one SSO connection.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		plan_tier TEXT NOT NULL DEFAULT 'starter',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		refresh_token_hash TEXT NOT NULL DEFAULT '',
		last_login_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS org_members (
		org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role TEXT NOT NULL DEFAULT 'MEMBER',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (org_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sso_connections (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL UNIQUE REFERENCES organizations(id) ON DELETE CASCADE,
		protocol TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT false,
		settings JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL,
		actor_id UUID,
		event_type TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_audit_logs_org_created
		ON audit_logs (org_id, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_org_members_user
		ON org_members (user_id)`,
}

// EnsureSchema creates missing tables and indexes
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	return nil
}
