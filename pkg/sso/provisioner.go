package sso

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/dealscope/pkg/auth"
)

// JITProvisioner maps a verified federated identity to a local user and
// org membership, creating both if absent, and mints session tokens.
// Upserts keyed by the natural unique keys (email; org_id+user_id) keep
// concurrent logins race-free.
type JITProvisioner struct {
	db     *sql.DB
	tokens *auth.TokenIssuer
}

// NewJITProvisioner creates a JITProvisioner
func NewJITProvisioner(db *sql.DB, tokens *auth.TokenIssuer) *JITProvisioner {
	return &JITProvisioner{db: db, tokens: tokens}
}

// Provision resolves the identity to a user and membership and returns
// minted tokens. Repeated calls with the same email/org are idempotent:
// one user row, one membership row, lastLoginAt advanced each time. An
// existing membership's role is never overwritten.
func (p *JITProvisioner) Provision(ctx context.Context, orgID string, identity *Identity) (*LoginResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Wrap(KindInternal, "starting provisioning transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Upsert by email. Name fields only fill in when previously empty
	// so an admin-edited profile is not clobbered by IdP claims.
	var user auth.User
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, last_login_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5, $5)
		 ON CONFLICT (email) DO UPDATE SET
		   last_login_at = EXCLUDED.last_login_at,
		   updated_at = EXCLUDED.updated_at,
		   first_name = CASE WHEN users.first_name = '' THEN EXCLUDED.first_name ELSE users.first_name END,
		   last_name = CASE WHEN users.last_name = '' THEN EXCLUDED.last_name ELSE users.last_name END
		 RETURNING id, email, first_name, last_name, last_login_at, created_at, updated_at`,
		uuid.NewString(), identity.Email, identity.FirstName, identity.LastName, now).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName,
			&user.LastLoginAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, Wrap(KindInternal, "upserting user", err)
	}

	// Membership role is sticky: DO NOTHING keeps the existing role
	// even if the IdP now asserts a different group.
	role := identity.DeriveRole()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO org_members (org_id, user_id, role, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id, user_id) DO NOTHING`,
		orgID, user.ID, string(role), now)
	if err != nil {
		return nil, Wrap(KindInternal, "upserting membership", err)
	}

	var effectiveRole string
	err = tx.QueryRowContext(ctx,
		`SELECT role FROM org_members WHERE org_id = $1 AND user_id = $2`,
		orgID, user.ID).Scan(&effectiveRole)
	if err != nil {
		return nil, Wrap(KindInternal, "reading membership role", err)
	}

	tokens, err := p.tokens.IssuePair(user.ID, orgID, auth.Role(effectiveRole), user.Email)
	if err != nil {
		return nil, Wrap(KindInternal, "minting session tokens", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET refresh_token_hash = $1, updated_at = $2 WHERE id = $3`,
		auth.HashToken(tokens.RefreshToken), now, user.ID)
	if err != nil {
		return nil, Wrap(KindInternal, "persisting refresh token", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, Wrap(KindInternal, "committing provisioning transaction", err)
	}

	return &LoginResult{User: &user, OrgID: orgID, Tokens: tokens}, nil
}

// Refresh rotates a session: the presented refresh token must hash to
// the one on record, after which a new pair is minted and persisted.
func (p *JITProvisioner) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	claims, err := p.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, E(KindInvalidToken, "refresh token is invalid or expired")
	}

	var storedHash string
	err = p.db.QueryRowContext(ctx,
		`SELECT refresh_token_hash FROM users WHERE id = $1`, claims.UserID).
		Scan(&storedHash)
	if err == sql.ErrNoRows {
		return nil, E(KindInvalidToken, "refresh token does not match any user")
	}
	if err != nil {
		return nil, Wrap(KindInternal, "loading refresh token hash", err)
	}
	if storedHash == "" || storedHash != auth.HashToken(refreshToken) {
		return nil, E(KindInvalidToken, "refresh token has been rotated or revoked")
	}

	tokens, err := p.tokens.IssuePair(claims.UserID, claims.OrgID, auth.Role(claims.Role), claims.Email)
	if err != nil {
		return nil, Wrap(KindInternal, "minting session tokens", err)
	}

	_, err = p.db.ExecContext(ctx,
		`UPDATE users SET refresh_token_hash = $1, updated_at = $2 WHERE id = $3`,
		auth.HashToken(tokens.RefreshToken), time.Now().UTC(), claims.UserID)
	if err != nil {
		return nil, Wrap(KindInternal, "persisting rotated refresh token", err)
	}

	return tokens, nil
}
