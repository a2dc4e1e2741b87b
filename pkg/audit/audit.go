// Package audit records security-relevant events to an append-only log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/dealscope/pkg/observability"
)

// EventType identifies the kind of audited action
type EventType string

const (
	EventSSOLogin             EventType = "auth.sso_login"
	EventSSOLoginFailed       EventType = "auth.sso_login_failed"
	EventTokenRefreshed       EventType = "auth.token_refreshed"
	EventSSOConnectionCreated EventType = "sso.connection_created"
	EventSSOConnectionUpdated EventType = "sso.connection_updated"
	EventSSOConnectionToggled EventType = "sso.connection_toggled"
	EventUserProvisioned      EventType = "user.provisioned"
)

// Event is a single audit log entry
type Event struct {
	ID        string                 `json:"id"`
	OrgID     string                 `json:"org_id"`
	ActorID   string                 `json:"actor_id,omitempty"`
	Type      EventType              `json:"type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Logger records audit events
type Logger interface {
	Log(ctx context.Context, event Event) error
}

// DBLogger persists audit events to PostgreSQL
type DBLogger struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewDBLogger creates a DBLogger
func NewDBLogger(db *sql.DB, logger *observability.Logger) *DBLogger {
	return &DBLogger{db: db, logger: logger}
}

// Log inserts an audit event. Audit writes never fail the calling
// operation; failures are logged and swallowed.
func (l *DBLogger) Log(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, org_id, actor_id, event_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.OrgID, nullable(event.ActorID), string(event.Type), metadata, event.CreatedAt)
	if err != nil {
		l.logger.WithError(err).
			WithField("event_type", string(event.Type)).
			Error("failed to write audit event")
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Prune deletes audit events older than the retention window and
// returns the number of rows removed.
func (l *DBLogger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning audit log: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// NopLogger discards audit events; used in tests
type NopLogger struct{}

// Log implements Logger
func (NopLogger) Log(ctx context.Context, event Event) error { return nil }
