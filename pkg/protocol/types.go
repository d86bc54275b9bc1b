package protocol

import "time"

// ProtocolVersion is bumped when wire shapes change incompatibly.
const ProtocolVersion = 1

// Grant scopes.
const (
	ScopeOnce       = "once"
	ScopeSession    = "session"
	ScopePersistent = "persistent"
)

// Grant statuses. Denied, expired and used are terminal.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
	StatusUsed     = "used"
)

// Grant is a persisted permission row.
type Grant struct {
	ID        string     `json:"id"`
	Tool      string     `json:"tool"`
	Detail    string     `json:"detail"`
	Scope     string     `json:"scope"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Terminal reports whether the grant can no longer change state.
func (g *Grant) Terminal() bool {
	switch g.Status {
	case StatusDenied, StatusExpired, StatusUsed:
		return true
	}
	return false
}

// Tool invocation result statuses.
const (
	ResultOK                 = "ok"
	ResultError              = "error"
	ResultPermissionRequired = "permission_required"
	ResultPermissionExpired  = "permission_expired"
)

// Error kinds surfaced in ToolResult.Error.
const (
	ErrPermissionRequired    = "permission_required"
	ErrPermissionNotApproved = "permission_not_approved"
	ErrPermissionExpired     = "permission_expired"
	ErrInvalidPermission     = "invalid_permission"

	ErrCommandNotAllowed  = "command_not_allowed"
	ErrPathOutsideUserDir = "path_outside_user_dir"
	ErrPathNotAllowed     = "path_not_allowed"
	ErrInvalidPath        = "invalid_path"

	ErrMissingText       = "missing_text"
	ErrMissingName       = "missing_name"
	ErrMissingCode       = "missing_code"
	ErrMissingValue      = "missing_value"
	ErrInvalidJSON       = "invalid_json"
	ErrInvalidPayload    = "invalid_payload"
	ErrUnknownAction     = "unknown_action"
	ErrUnknownTool       = "unknown_tool"
	ErrUnsupportedAction = "unsupported_action"
	ErrUnsupportedFsOp   = "unsupported_fs_op"

	ErrUpstreamError         = "upstream_error"
	ErrHTTPError             = "http_error"
	ErrUSBPermissionRequired = "usb_permission_required"
	ErrVaultDecryptFailed    = "vault_decrypt_failed"
)

// ToolResult is the uniform result envelope of the tool dispatcher.
// Extra carries tool-specific fields flattened into the JSON object.
type ToolResult struct {
	Status  string                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Detail  string                 `json:"detail,omitempty"`
	Request *Grant                 `json:"request,omitempty"`
	Extra   map[string]interface{} `json:"-"`
}

// Blocked reports whether the result is an error the brain runtime must
// surface immediately instead of feeding back to the model.
func (r *ToolResult) Blocked() bool {
	if r.Status != ResultError {
		return false
	}
	switch r.Error {
	case ErrCommandNotAllowed, ErrPathNotAllowed, ErrInvalidPath:
		return true
	}
	return false
}

// ToMap flattens the result into a JSON-ready map.
func (r *ToolResult) ToMap() map[string]interface{} {
	m := map[string]interface{}{"status": r.Status}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Detail != "" {
		m["detail"] = r.Detail
	}
	if r.Request != nil {
		m["request"] = r.Request
	}
	for k, v := range r.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}

// Inbox item kinds.
const (
	ItemChat  = "chat"
	ItemEvent = "event"
)

// InboxItem is one unit of work for the brain runtime. Chat items carry
// Text; event items carry Name and Payload.
type InboxItem struct {
	Kind      string                 `json:"kind"`
	ID        string                 `json:"id"`
	Text      string                 `json:"text,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ChatMessage is one journal row.
type ChatMessage struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"session_id"`
	Role      string                 `json:"role"`
	Text      string                 `json:"text"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SessionInfo summarises one journal session.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	Count         int       `json:"count"`
	LastCreatedAt time.Time `json:"last_created_at"`
}

// AuditEvent is one audit_log row, also the unit of the event stream.
type AuditEvent struct {
	ID        int64                  `json:"id"`
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// BrainStatus is the runtime status snapshot served by the gateway.
type BrainStatus struct {
	Running         bool    `json:"running"`
	Enabled         bool    `json:"enabled"`
	Busy            bool    `json:"busy"`
	QueueSize       int     `json:"queue_size"`
	LastError       string  `json:"last_error,omitempty"`
	LastProcessedAt *int64  `json:"last_processed_at,omitempty"`
	Model           string  `json:"model"`
	ProviderURL     string  `json:"provider_url"`
}

// EncryptionStatus describes how the storage file is protected. Opaque to
// the core; passed through to health checks.
type EncryptionStatus struct {
	Encrypted bool   `json:"encrypted"`
	Mode      string `json:"mode"`
}
