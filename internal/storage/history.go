package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/notification"
)

// DeliveryEntry is one row of the delivery history
type DeliveryEntry struct {
	ID                  string    `db:"id" json:"id"`
	Kind                string    `db:"kind" json:"kind"`
	SessionID           string    `db:"session_id" json:"session_id"`
	AlertID             string    `db:"alert_id" json:"alert_id"`
	Success             bool      `db:"success" json:"success"`
	Attempts            int       `db:"attempts" json:"attempts"`
	RecipientsSucceeded int       `db:"recipients_succeeded" json:"recipients_succeeded"`
	RecipientsTotal     int       `db:"recipients_total" json:"recipients_total"`
	SkipReason          string    `db:"skip_reason" json:"skip_reason,omitempty"`
	ErrorMessage        string    `db:"error_message" json:"error,omitempty"`
	Attachment          string    `db:"attachment" json:"attachment,omitempty"`
	OccurredAt          time.Time `db:"occurred_at" json:"occurred_at"`
}

// SessionEvent is one session lifecycle row
type SessionEvent struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Event      string    `db:"event" json:"event"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	AlertsSent int       `db:"alerts_sent" json:"alerts_sent"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// History records deliveries and session events in PostgreSQL
type History struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewHistory connects, configures the pool and creates the schema
func NewHistory(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*History, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return OpenHistory(ctx, cfg.DatabaseDSN(), cfg.MaxConnections, cfg.ConnMaxLifetime, logger)
}

// OpenHistory connects to dsn directly
func OpenHistory(ctx context.Context, dsn string, maxConns int, maxLifetime time.Duration, logger *zap.Logger) (*History, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "ping", Err: err, Retryable: isConnectionError(err)}
	}

	h := &History{db: db, logger: logger.Named("history")}
	if err := h.initSchema(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *History) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS delivery_events (
		id UUID PRIMARY KEY,
		kind VARCHAR(16) NOT NULL CHECK (kind IN ('alert', 'test')),
		session_id VARCHAR(255) NOT NULL DEFAULT '',
		alert_id VARCHAR(64) NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		recipients_succeeded INTEGER NOT NULL DEFAULT 0,
		recipients_total INTEGER NOT NULL DEFAULT 0,
		skip_reason VARCHAR(32) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		attachment VARCHAR(255) NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_events_occurred ON delivery_events(occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_delivery_events_session ON delivery_events(session_id);

	CREATE TABLE IF NOT EXISTS session_events (
		id UUID PRIMARY KEY,
		session_id VARCHAR(255) NOT NULL,
		event VARCHAR(32) NOT NULL,
		reason VARCHAR(64) NOT NULL DEFAULT '',
		alerts_sent INTEGER NOT NULL DEFAULT 0,
		occurred_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, occurred_at);
	`
	_, err := h.db.ExecContext(ctx, schema)
	return err
}

// RecordDelivery stores one finished dispatch
func (h *History) RecordDelivery(ctx context.Context, rec notification.DeliveryRecord) error {
	entry := DeliveryEntry{
		ID:                  uuid.NewString(),
		Kind:                rec.Kind,
		SessionID:           rec.SessionID,
		AlertID:             rec.Outcome.AlertID,
		Success:             rec.Outcome.Success,
		Attempts:            rec.Outcome.Attempt,
		RecipientsSucceeded: rec.Outcome.RecipientsSucceeded,
		RecipientsTotal:     rec.Outcome.RecipientsTotal,
		SkipReason:          rec.Outcome.SkipReason,
		ErrorMessage:        rec.Outcome.Error,
		Attachment:          rec.Attachment,
		OccurredAt:          rec.Outcome.Timestamp,
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO delivery_events (
			id, kind, session_id, alert_id, success, attempts,
			recipients_succeeded, recipients_total, skip_reason,
			error_message, attachment, occurred_at
		) VALUES (
			:id, :kind, :session_id, :alert_id, :success, :attempts,
			:recipients_succeeded, :recipients_total, :skip_reason,
			:error_message, :attachment, :occurred_at
		)`
	if _, err := h.db.NamedExecContext(ctx, query, entry); err != nil {
		return &StorageError{Op: "record_delivery", Key: entry.AlertID, Err: err, Retryable: isConnectionError(err)}
	}
	return nil
}

// RecordSessionEvent stores a session lifecycle change
func (h *History) RecordSessionEvent(ctx context.Context, ev SessionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO session_events (id, session_id, event, reason, alerts_sent, occurred_at)
		VALUES (:id, :session_id, :event, :reason, :alerts_sent, :occurred_at)`
	if _, err := h.db.NamedExecContext(ctx, query, ev); err != nil {
		return &StorageError{Op: "record_session", Key: ev.SessionID, Err: err, Retryable: isConnectionError(err)}
	}
	return nil
}

// RecentDeliveries returns the newest deliveries first
func (h *History) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var entries []DeliveryEntry
	err := h.db.SelectContext(ctx, &entries,
		`SELECT * FROM delivery_events ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, &StorageError{Op: "recent_deliveries", Err: err, Retryable: isConnectionError(err)}
	}
	return entries, nil
}

// SessionEvents returns the events of one session in order
func (h *History) SessionEvents(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	var events []SessionEvent
	err := h.db.SelectContext(ctx, &events,
		`SELECT * FROM session_events WHERE session_id = $1 ORDER BY occurred_at ASC`, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "session_events", Key: sessionID, Err: err, Retryable: isConnectionError(err)}
	}
	return events, nil
}

// HealthCheck pings the database
func (h *History) HealthCheck(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (h *History) Close() error {
	return h.db.Close()
}

// isConnectionError reports class 08 (connection exception) and 57P0x
// (operator intervention) failures, which are worth retrying
func isConnectionError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57"
	}
	return errors.Is(err, context.DeadlineExceeded)
}
