package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/pkg/protocol"
)

func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool        string `json:"tool"`
		Detail      string `json:"detail"`
		Scope       string `json:"scope"`
		Identity    string `json:"identity"`
		Capability  string `json:"capability"`
		DurationMin int    `json:"duration_min"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(body.Tool) == "" {
		httpError(w, http.StatusBadRequest, "missing_tool")
		return
	}
	g, err := s.broker.Request(body.Tool, body.Detail, body.Scope, permits.RequestOpts{
		Capability:  body.Capability,
		Identity:    body.Identity,
		DurationMin: body.DurationMin,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.emit("permission_requested", map[string]interface{}{"id": g.ID, "tool": g.Tool, "scope": g.Scope})
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handlePermissionPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.broker.ListPending()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []protocol.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (s *Server) handlePermissionGet(w http.ResponseWriter, r *http.Request) {
	g, err := s.broker.Get(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if g == nil {
		httpError(w, http.StatusNotFound, "permission_not_found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handlePermissionApprove(w http.ResponseWriter, r *http.Request) {
	s.resolvePermission(w, r, true)
}

func (s *Server) handlePermissionDeny(w http.ResponseWriter, r *http.Request) {
	s.resolvePermission(w, r, false)
}

func (s *Server) resolvePermission(w http.ResponseWriter, r *http.Request, approve bool) {
	id := r.PathValue("id")
	var (
		g   *protocol.Grant
		err error
	)
	if approve {
		g, err = s.broker.Approve(id)
	} else {
		g, err = s.broker.Deny(id)
	}
	if err != nil {
		if g == nil {
			httpError(w, http.StatusNotFound, "permission_not_found")
			return
		}
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	event := "permission_denied"
	if approve {
		event = "permission_approved"
	}
	s.emit(event, map[string]interface{}{"id": g.ID, "tool": g.Tool, "status": g.Status})
	writeJSON(w, http.StatusOK, g)
}

// handleToolInvoke runs the dispatcher's consent flow over HTTP: a gated tool
// without an approved grant answers 403 with the pending grant attached.
func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.invokeLimiter.Allow() {
		httpError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	name := r.PathValue("name")
	var body struct {
		RequestID  string                 `json:"request_id"`
		RequestIDc string                 `json:"requestId"`
		Args       map[string]interface{} `json:"args"`
		Detail     string                 `json:"detail"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	pid := body.RequestID
	if pid == "" {
		pid = body.RequestIDc
	}

	res := s.dispatcher.Invoke(r.Context(), name, body.Args, pid, body.Detail)
	code := http.StatusOK
	switch res.Status {
	case protocol.ResultPermissionRequired, protocol.ResultPermissionExpired:
		code = http.StatusForbidden
	}
	writeJSON(w, code, res.ToMap())
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	events, err := s.store.RecentAudit(limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []protocol.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleBrainStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.brain.Status())
}

func (s *Server) handleBrainConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.brain.Config())
}

func (s *Server) handleBrainConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := readJSON(r, &patch); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	writeJSON(w, http.StatusOK, s.brain.UpdateConfig(patch))
}

func (s *Server) handleBrainStart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.brain.Start()})
}

func (s *Server) handleBrainStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.brain.Stop()})
}

// handleInboxChat accepts {text, meta}. Older clients post a chat-completions
// style {messages:[...]}; the last user content is taken as the text.
func (s *Server) handleInboxChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text     string                   `json:"text"`
		Meta     map[string]interface{}   `json:"meta"`
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	text := body.Text
	if text == "" {
		for _, m := range body.Messages {
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if (role == "" || role == "user") && content != "" {
				text = content
			}
		}
	}
	if strings.TrimSpace(text) == "" {
		httpError(w, http.StatusBadRequest, "missing_text")
		return
	}
	item, err := s.brain.EnqueueChat(text, body.Meta)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleInboxEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string                 `json:"name"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	item, err := s.brain.EnqueueEvent(body.Name, body.Payload)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleBrainMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sid := r.URL.Query().Get("session_id")

	var (
		msgs []protocol.ChatMessage
		err  error
	)
	if sid == "" {
		msgs, err = s.journal.List(limit)
	} else {
		msgs, err = s.journal.ListForSession(sid, limit)
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleBrainSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sessions, err := s.journal.Sessions(limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []protocol.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) emit(event string, data map[string]interface{}) {
	if _, err := s.store.AppendAudit(event, data); err != nil {
		s.log.Warn("audit append failed", "event", event, "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
