// Package store persists permissions, credentials, audit events, chat
// messages and settings behind a row-level interface. The default backend is
// a local SQLite file; a Postgres mirror can shadow audit and chat rows in
// fleet mode.
package store

import (
	"time"

	"github.com/methings/agentd/pkg/protocol"
)

// Store is the storage adapter shared by every component. Implementations
// must be safe for concurrent use; every write is atomic and every read
// reflects all prior writes in program order.
type Store interface {
	// Permissions. GetPermission returns (nil, nil) when the row is missing.
	CreatePermission(g *protocol.Grant) error
	UpdatePermissionStatus(id, status string) error
	GetPermission(id string) (*protocol.Grant, error)
	ListPendingPermissions() ([]protocol.Grant, error)
	ExpireOverduePermissions(now time.Time) (int64, error)
	DeletePermissionsBefore(cutoff time.Time) (int64, error)

	// Credentials, unique by name. GetCredential returns "" when missing.
	SetCredential(name, value string) error
	GetCredential(name string) (string, error)
	DeleteCredential(name string) error

	// Audit log.
	AppendAudit(event string, data map[string]interface{}) (protocol.AuditEvent, error)
	RecentAudit(limit int) ([]protocol.AuditEvent, error)
	DeleteAuditBefore(cutoff time.Time) (int64, error)

	// Chat messages. ListChat returns rows in ascending id order.
	AppendChat(sessionID, role, text string, meta map[string]interface{}) (protocol.ChatMessage, error)
	ListChat(sessionID string, limit int) ([]protocol.ChatMessage, error)
	ListSessions(limit int) ([]protocol.SessionInfo, error)
	TrimChat(perSession, global int) (int64, error)

	// Settings, opaque string values.
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	EncryptionStatus() protocol.EncryptionStatus
	Close() error
}
