// Package pg shadows audit events and chat rows into Postgres for fleet
// dashboards. Reads always come from the local SQLite store; the mirror is
// write-only and best-effort.
package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_audit_log (
    id BIGSERIAL PRIMARY KEY,
    device_id TEXT NOT NULL,
    event TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS device_chat_messages (
    id BIGSERIAL PRIMARY KEY,
    device_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    meta JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_device_audit_device ON device_audit_log(device_id, id);
CREATE INDEX IF NOT EXISTS idx_device_chat_session ON device_chat_messages(device_id, session_id, id);
`

// Mirror writes audit and chat rows to Postgres keyed by device id.
type Mirror struct {
	pool     *pgxpool.Pool
	deviceID string
	log      *slog.Logger
}

// NewMirror connects to Postgres and ensures the mirror tables exist.
func NewMirror(ctx context.Context, dsn, deviceID string) (*Mirror, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure mirror schema: %w", err)
	}
	return &Mirror{
		pool:     pool,
		deviceID: deviceID,
		log:      slog.With("component", "pg-mirror"),
	}, nil
}

func (m *Mirror) Close() { m.pool.Close() }

// Audit mirrors one audit event. Failures are logged, never propagated; the
// local store remains the source of truth.
func (m *Mirror) Audit(event string, data map[string]interface{}, createdAt time.Time) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.pool.Exec(ctx,
		`INSERT INTO device_audit_log (device_id, event, data, created_at) VALUES ($1, $2, $3, $4)`,
		m.deviceID, event, raw, createdAt)
	if err != nil {
		m.log.Warn("audit mirror failed", "error", err)
	}
}

// Chat mirrors one chat row.
func (m *Mirror) Chat(sessionID, role, text string, meta map[string]interface{}, createdAt time.Time) {
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.pool.Exec(ctx,
		`INSERT INTO device_chat_messages (device_id, session_id, role, text, meta, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.deviceID, sessionID, role, text, raw, createdAt)
	if err != nil {
		m.log.Warn("chat mirror failed", "error", err)
	}
}
