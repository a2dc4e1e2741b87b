package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dealscope/dealscope/pkg/billing"
)

// ConnectionStore manages per-org SSO connection configuration. Every
// mutation is entitlement-gated and validated before any row is
// written. The org_id uniqueness constraint enforces "one connection
// per org" under concurrent creates.
type ConnectionStore struct {
	db      *sql.DB
	billing *billing.Service
}

// NewConnectionStore creates a ConnectionStore
func NewConnectionStore(db *sql.DB, billingSvc *billing.Service) *ConnectionStore {
	return &ConnectionStore{db: db, billing: billingSvc}
}

// connectionSettings is the JSONB settings column payload
type connectionSettings struct {
	DisplayName string        `json:"display_name"`
	SAML        *SAMLSettings `json:"saml,omitempty"`
	OIDC        *OIDCSettings `json:"oidc,omitempty"`
}

// Create stores a new connection for an org. Fails with PlanRestricted
// when the org's plan lacks SSO, InvalidConfig on missing fields, and
// Conflict when the org already has a connection.
func (s *ConnectionStore) Create(ctx context.Context, conn *Connection) (*Connection, error) {
	if err := s.requireEntitlement(ctx, conn.OrgID); err != nil {
		return nil, err
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	conn.ID = uuid.NewString()
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	settings, err := marshalSettings(conn)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sso_connections (id, org_id, protocol, enabled, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conn.ID, conn.OrgID, string(conn.Protocol), conn.Enabled, settings, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, E(KindConflict, "organization already has an SSO connection")
		}
		return nil, Wrap(KindInternal, "inserting connection", err)
	}
	return conn, nil
}

// GetByOrg retrieves the org's connection, enabled or not
func (s *ConnectionStore) GetByOrg(ctx context.Context, orgID string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, protocol, enabled, settings, created_at, updated_at
		 FROM sso_connections WHERE org_id = $1`, orgID)
	return scanConnection(row)
}

// GetEnabledByOrg retrieves the org's connection and requires it to be
// enabled. A disabled or absent connection is NotFound: soft-deleted
// connections must behave as if they do not exist.
func (s *ConnectionStore) GetEnabledByOrg(ctx context.Context, orgID string) (*Connection, error) {
	conn, err := s.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, E(KindNotFound, "no enabled SSO connection for organization")
	}
	return conn, nil
}

// Update replaces the connection's settings. The protocol may change;
// validation runs against the updated shape before writing.
func (s *ConnectionStore) Update(ctx context.Context, conn *Connection) (*Connection, error) {
	if err := s.requireEntitlement(ctx, conn.OrgID); err != nil {
		return nil, err
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	settings, err := marshalSettings(conn)
	if err != nil {
		return nil, err
	}
	conn.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sso_connections SET protocol = $1, enabled = $2, settings = $3, updated_at = $4
		 WHERE org_id = $5`,
		string(conn.Protocol), conn.Enabled, settings, conn.UpdatedAt, conn.OrgID)
	if err != nil {
		return nil, Wrap(KindInternal, "updating connection", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, E(KindNotFound, "no SSO connection for organization")
	}
	return s.GetByOrg(ctx, conn.OrgID)
}

// SetEnabled toggles the connection. Disabling is the soft-delete path;
// rows are never hard-deleted, preserving audit continuity.
func (s *ConnectionStore) SetEnabled(ctx context.Context, orgID string, enabled bool) (*Connection, error) {
	if err := s.requireEntitlement(ctx, orgID); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sso_connections SET enabled = $1, updated_at = $2 WHERE org_id = $3`,
		enabled, time.Now().UTC(), orgID)
	if err != nil {
		return nil, Wrap(KindInternal, "toggling connection", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, E(KindNotFound, "no SSO connection for organization")
	}
	return s.GetByOrg(ctx, orgID)
}

// Disable is the soft-delete operation
func (s *ConnectionStore) Disable(ctx context.Context, orgID string) (*Connection, error) {
	return s.SetEnabled(ctx, orgID, false)
}

func (s *ConnectionStore) requireEntitlement(ctx context.Context, orgID string) error {
	entitled, err := s.billing.SSOEntitled(ctx, orgID)
	if err != nil {
		return Wrap(KindInternal, "checking plan entitlement", err)
	}
	if !entitled {
		return E(KindPlanRestricted, "organization plan does not include SSO")
	}
	return nil
}

func marshalSettings(conn *Connection) ([]byte, error) {
	payload, err := json.Marshal(connectionSettings{
		DisplayName: conn.DisplayName,
		SAML:        conn.SAML,
		OIDC:        conn.OIDC,
	})
	if err != nil {
		return nil, Wrap(KindInternal, "encoding connection settings", err)
	}
	return payload, nil
}

func scanConnection(row *sql.Row) (*Connection, error) {
	var conn Connection
	var protocol string
	var settings []byte
	err := row.Scan(&conn.ID, &conn.OrgID, &protocol, &conn.Enabled,
		&settings, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, E(KindNotFound, "no SSO connection for organization")
	}
	if err != nil {
		return nil, Wrap(KindInternal, "scanning connection", err)
	}
	conn.Protocol = Protocol(protocol)

	var decoded connectionSettings
	if err := json.Unmarshal(settings, &decoded); err != nil {
		return nil, Wrap(KindInternal, "decoding connection settings", err)
	}
	conn.DisplayName = decoded.DisplayName
	conn.SAML = decoded.SAML
	conn.OIDC = decoded.OIDC
	return &conn, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
