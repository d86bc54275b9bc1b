// Package journal owns the durable per-session chat history and the
// ephemeral session notes extracted from user text without model calls.
package journal

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/pkg/protocol"
)

// DefaultSession is the session id used when none is supplied.
const DefaultSession = "default"

var sessionIDClean = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeSessionID normalises a session id onto [A-Za-z0-9_.-]{1,80},
// mapping empty or all-junk inputs to "default". Idempotent.
func SanitizeSessionID(id string) string {
	id = sessionIDClean.ReplaceAllString(strings.TrimSpace(id), "_")
	id = strings.Trim(id, "._-")
	if len(id) > 80 {
		// The cut can expose a trailing separator; trim again so the
		// result round-trips through another sanitize unchanged.
		id = strings.Trim(id[:80], "._-")
	}
	if id == "" {
		return DefaultSession
	}
	return id
}

// Journal writes chat rows through the store and keeps the notes map.
type Journal struct {
	store store.Store
	notes *notesMap
	log   *slog.Logger
}

// New returns a Journal over the given store.
func New(s store.Store) *Journal {
	return &Journal{
		store: s,
		notes: newNotesMap(),
		log:   slog.With("component", "journal"),
	}
}

// Append writes one chat row, sanitising the session id first.
func (j *Journal) Append(sessionID, role, text string, meta map[string]interface{}) (protocol.ChatMessage, error) {
	return j.store.AppendChat(SanitizeSessionID(sessionID), role, text, meta)
}

// List returns the default-session tail in ascending order.
func (j *Journal) List(limit int) ([]protocol.ChatMessage, error) {
	return j.ListForSession(DefaultSession, limit)
}

// ListForSession returns the last limit rows of a session in ascending order.
func (j *Journal) ListForSession(sessionID string, limit int) ([]protocol.ChatMessage, error) {
	return j.store.ListChat(SanitizeSessionID(sessionID), limit)
}

// Sessions lists (session_id, count, last_created_at) tuples, most recent
// session first.
func (j *Journal) Sessions(limit int) ([]protocol.SessionInfo, error) {
	return j.store.ListSessions(limit)
}

// UpdateNotes runs note extraction over user text and returns the keys whose
// values actually changed. Notes live only in memory.
func (j *Journal) UpdateNotes(sessionID, text string) map[string]string {
	extracted := extractNotes(text)
	if len(extracted) == 0 {
		return nil
	}
	sid := SanitizeSessionID(sessionID)
	changed := j.notes.update(sid, extracted)
	if len(changed) == 0 {
		return nil
	}
	j.log.Debug("session notes updated", "session", sid, "keys", len(changed))
	return changed
}

// Notes returns a copy of the notes for a session.
func (j *Journal) Notes(sessionID string) map[string]string {
	return j.notes.get(SanitizeSessionID(sessionID))
}
