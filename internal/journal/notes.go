package journal

import (
	"regexp"
	"strings"
	"sync"
)

// Extraction patterns. Each match writes one note key; values are trimmed.
var (
	reFavoriteColor   = regexp.MustCompile(`(?i)\bmy favorite colou?r is\s+([a-zA-Z][a-zA-Z\s\-]{0,40})\b`)
	reName            = regexp.MustCompile(`(?i)\bmy name is\s+([^\n\r]{1,80})`)
	reFavoriteColorJa = regexp.MustCompile(`好きな色は\s*([^\n\r]{1,20})`)
)

func extractNotes(text string) map[string]string {
	changed := map[string]string{}
	if m := reFavoriteColor.FindStringSubmatch(text); m != nil {
		changed["favorite_color"] = strings.TrimSpace(m[1])
	}
	if m := reFavoriteColorJa.FindStringSubmatch(text); m != nil {
		v := strings.TrimSpace(m[1])
		v = strings.TrimRight(v, "。.!！?？")
		if v != "" {
			changed["favorite_color"] = v
		}
	}
	if m := reName.FindStringSubmatch(text); m != nil {
		v := strings.TrimSpace(m[1])
		v = strings.TrimRight(v, "。.!！?？")
		if v != "" {
			changed["name"] = v
		}
	}
	return changed
}

const (
	maxNoteSessions  = 50
	noteEvictionStep = 10
)

// notesMap bounds memory by capping active sessions; insertion order is
// tracked so the oldest sessions go first on overflow.
type notesMap struct {
	mu    sync.Mutex
	notes map[string]map[string]string
	order []string
}

func newNotesMap() *notesMap {
	return &notesMap{notes: map[string]map[string]string{}}
}

// update stores kv and reports which keys actually changed value.
func (n *notesMap) update(sessionID string, kv map[string]string) map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.notes[sessionID]; !ok {
		n.notes[sessionID] = map[string]string{}
		n.order = append(n.order, sessionID)
		if len(n.order) > maxNoteSessions {
			drop := n.order[:noteEvictionStep]
			n.order = append([]string(nil), n.order[noteEvictionStep:]...)
			for _, sid := range drop {
				delete(n.notes, sid)
			}
		}
	}
	changed := map[string]string{}
	for k, v := range kv {
		if n.notes[sessionID][k] != v {
			n.notes[sessionID][k] = v
			changed[k] = v
		}
	}
	return changed
}

func (n *notesMap) get(sessionID string) map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	src, ok := n.notes[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
