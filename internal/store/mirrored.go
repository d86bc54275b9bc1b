package store

import (
	"time"

	"github.com/methings/agentd/pkg/protocol"
)

// AuditChatMirror receives copies of audit and chat writes.
type AuditChatMirror interface {
	Audit(event string, data map[string]interface{}, createdAt time.Time)
	Chat(sessionID, role, text string, meta map[string]interface{}, createdAt time.Time)
}

// Mirrored wraps a Store and shadows audit/chat writes to a mirror.
type Mirrored struct {
	Store
	mirror AuditChatMirror
}

// WithMirror wraps s so audit and chat writes are also sent to mirror.
func WithMirror(s Store, mirror AuditChatMirror) *Mirrored {
	return &Mirrored{Store: s, mirror: mirror}
}

func (m *Mirrored) AppendAudit(event string, data map[string]interface{}) (protocol.AuditEvent, error) {
	ev, err := m.Store.AppendAudit(event, data)
	if err == nil {
		m.mirror.Audit(ev.Event, ev.Data, ev.CreatedAt)
	}
	return ev, err
}

func (m *Mirrored) AppendChat(sessionID, role, text string, meta map[string]interface{}) (protocol.ChatMessage, error) {
	msg, err := m.Store.AppendChat(sessionID, role, text, meta)
	if err == nil {
		m.mirror.Chat(msg.SessionID, msg.Role, msg.Text, msg.Meta, msg.CreatedAt)
	}
	return msg, err
}
