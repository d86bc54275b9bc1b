package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/methings/agentd/pkg/protocol"
)

// SQLite is the default Store backend, one file under the state dir.
type SQLite struct {
	db   *sql.DB
	path string
}

// Open migrates and opens the SQLite database at path.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := Migrate(path); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY churn between the worker and the API handlers.
	db.SetMaxOpenConns(1)

	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// EncryptionStatus reports how the database file is protected. The pure-Go
// driver stores plaintext; when a key file is configured the descriptor is
// passed through for the health check without interpreting it.
func (s *SQLite) EncryptionStatus() protocol.EncryptionStatus {
	if os.Getenv("SQLCIPHER_KEY_FILE") != "" {
		return protocol.EncryptionStatus{Encrypted: false, Mode: "keyfile"}
	}
	return protocol.EncryptionStatus{Encrypted: false, Mode: "plaintext"}
}

// --- permissions ---

func (s *SQLite) CreatePermission(g *protocol.Grant) error {
	var expires interface{}
	if g.ExpiresAt != nil {
		expires = g.ExpiresAt.UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO permissions (id, tool, detail, status, scope, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Tool, g.Detail, g.Status, g.Scope, expires, g.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create permission: %w", err)
	}
	return nil
}

func (s *SQLite) UpdatePermissionStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE permissions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update permission %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) GetPermission(id string) (*protocol.Grant, error) {
	row := s.db.QueryRow(
		`SELECT id, tool, detail, status, scope, expires_at, created_at FROM permissions WHERE id = ?`, id)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get permission %s: %w", id, err)
	}
	return g, nil
}

func (s *SQLite) ListPendingPermissions() ([]protocol.Grant, error) {
	rows, err := s.db.Query(
		`SELECT id, tool, detail, status, scope, expires_at, created_at FROM permissions WHERE status = 'pending' ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pending permissions: %w", err)
	}
	defer rows.Close()

	var out []protocol.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *SQLite) ExpireOverduePermissions(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE permissions SET status = 'expired' WHERE status IN ('pending', 'approved') AND expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire permissions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) DeletePermissionsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM permissions WHERE status IN ('denied', 'expired', 'used') AND created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete permissions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(r rowScanner) (*protocol.Grant, error) {
	var g protocol.Grant
	var expires sql.NullTime
	if err := r.Scan(&g.ID, &g.Tool, &g.Detail, &g.Status, &g.Scope, &expires, &g.CreatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return &g, nil
}

// --- credentials ---

func (s *SQLite) SetCredential(name, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO credentials (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set credential %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) GetCredential(name string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM credentials WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get credential %s: %w", name, err)
	}
	return value, nil
}

func (s *SQLite) DeleteCredential(name string) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", name, err)
	}
	return nil
}

// --- audit log ---

func (s *SQLite) AppendAudit(event string, data map[string]interface{}) (protocol.AuditEvent, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.AuditEvent{}, fmt.Errorf("encode audit data: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO audit_log (event, data, created_at) VALUES (?, ?, ?)`, event, string(raw), now)
	if err != nil {
		return protocol.AuditEvent{}, fmt.Errorf("append audit: %w", err)
	}
	id, _ := res.LastInsertId()
	return protocol.AuditEvent{ID: id, Event: event, Data: data, CreatedAt: now}, nil
}

func (s *SQLite) RecentAudit(limit int) ([]protocol.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, event, data, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var out []protocol.AuditEvent
	for rows.Next() {
		var ev protocol.AuditEvent
		var raw string
		if err := rows.Scan(&ev.ID, &ev.Event, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(raw), &ev.Data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteAuditBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit: %w", err)
	}
	return res.RowsAffected()
}

// --- chat messages ---

const (
	chatPerSessionCap = 400
	chatGlobalCap     = 4000
)

func (s *SQLite) AppendChat(sessionID, role, text string, meta map[string]interface{}) (protocol.ChatMessage, error) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("encode chat meta: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO chat_messages (session_id, role, text, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, text, string(raw), now,
	)
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("append chat: %w", err)
	}
	id, _ := res.LastInsertId()

	// Retention is enforced on the write path so readers never see an
	// unbounded table.
	if _, err := s.trimSession(sessionID, chatPerSessionCap); err != nil {
		return protocol.ChatMessage{}, err
	}
	if _, err := s.trimGlobal(chatGlobalCap); err != nil {
		return protocol.ChatMessage{}, err
	}

	return protocol.ChatMessage{ID: id, SessionID: sessionID, Role: role, Text: text, Meta: meta, CreatedAt: now}, nil
}

func (s *SQLite) trimSession(sessionID string, keep int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM chat_messages WHERE session_id = ? AND id NOT IN (
		   SELECT id FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)`,
		sessionID, sessionID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("trim session %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

func (s *SQLite) trimGlobal(keep int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM chat_messages WHERE id NOT IN (
		   SELECT id FROM chat_messages ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("trim chat: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) ListChat(sessionID string, limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, role, text, meta, created_at FROM (
		   SELECT id, session_id, role, text, meta, created_at FROM chat_messages
		   WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []protocol.ChatMessage
	for rows.Next() {
		var m protocol.ChatMessage
		var raw string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(raw), &m.Meta)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) ListSessions(limit int) ([]protocol.SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT session_id, COUNT(*), MAX(created_at) FROM chat_messages
		 GROUP BY session_id ORDER BY MAX(id) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.SessionInfo
	for rows.Next() {
		var info protocol.SessionInfo
		if err := rows.Scan(&info.SessionID, &info.Count, &info.LastCreatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLite) TrimChat(perSession, global int) (int64, error) {
	if perSession <= 0 {
		perSession = chatPerSessionCap
	}
	if global <= 0 {
		global = chatGlobalCap
	}
	// Every session, not the recent-session page: old sessions are exactly
	// the ones the retention sweep exists for.
	rows, err := s.db.Query(`SELECT DISTINCT session_id FROM chat_messages`)
	if err != nil {
		return 0, fmt.Errorf("list trim sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for _, id := range ids {
		n, err := s.trimSession(id, perSession)
		if err != nil {
			return total, err
		}
		total += n
	}
	n, err := s.trimGlobal(global)
	return total + n, err
}

// --- settings ---

func (s *SQLite) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
