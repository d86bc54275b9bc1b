package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/methings/agentd/pkg/protocol"
)

// DeviceAPITool proxies logical verbs to the device-API peer. It owns its
// permission flow: grants are acquired on the peer's /permissions endpoints
// and reused through an in-memory capability cache.
type DeviceAPITool struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger

	mu            sync.Mutex
	identity      string
	permissionIDs map[string]string // "tool::capability::scope" -> permission id
}

// NewDeviceAPITool returns a proxy for the peer at baseURL.
func NewDeviceAPITool(baseURL, identity string) *DeviceAPITool {
	if identity == "" {
		identity = strings.TrimSpace(os.Getenv("METHINGS_IDENTITY"))
	}
	if identity == "" {
		identity = strings.TrimSpace(os.Getenv("METHINGS_SESSION_ID"))
	}
	if identity == "" {
		identity = "default"
	}
	return &DeviceAPITool{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{},
		log:           slog.With("component", "device-api"),
		identity:      identity,
		permissionIDs: map[string]string{},
	}
}

func (t *DeviceAPITool) Name() string        { return "device_api" }
func (t *DeviceAPITool) Description() string { return "Invoke device verbs on the native control plane" }
func (t *DeviceAPITool) ManagesPermissions() bool { return true }

// SetIdentity switches the session identity used for grant grouping.
func (t *DeviceAPITool) SetIdentity(identity string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "default"
	}
	t.mu.Lock()
	t.identity = identity
	t.mu.Unlock()
}

func (t *DeviceAPITool) getIdentity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *DeviceAPITool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	// Prefer per-chat identity so approvals group with the session.
	if id := argString(args, "identity"); id != "" {
		t.SetIdentity(id)
	} else if id := argString(args, "session_id"); id != "" {
		t.SetIdentity(id)
	}

	action := strings.TrimSpace(argString(args, "action"))
	payload := argMap(args, "payload")
	if payload == nil {
		if _, present := args["payload"]; present {
			return Errf(protocol.ErrInvalidPayload, "")
		}
		payload = map[string]interface{}{}
	}

	// Unwrap one accidentally nested level of
	// {action: device_api, payload: {action: <real>, payload: {...}}}.
	if action == "device_api" {
		nested := strings.TrimSpace(argString(payload, "action"))
		nestedPayload := argMap(payload, "payload")
		if nestedPayload == nil {
			if _, present := payload["payload"]; present {
				return Errf(protocol.ErrInvalidPayload, "")
			}
			nestedPayload = map[string]interface{}{}
		}
		if nested != "" {
			action = nested
			payload = nestedPayload
		}
	}

	if action == "" {
		return Errf(protocol.ErrUnknownAction, "missing action")
	}

	spec, ok := deviceActions[action]
	if !ok {
		// Virtual actions composed client-side from USB control transfers.
		if strings.HasPrefix(action, "uvc.") {
			return t.runUVC(ctx, action, payload, argString(args, "detail"))
		}
		return Errf(protocol.ErrUnknownAction, action)
	}

	if action == "shell.exec" {
		cmd := argString(payload, "cmd")
		if cmd != "python" && cmd != "pip" && cmd != "curl" {
			return Errf(protocol.ErrCommandNotAllowed, cmd)
		}
	}

	if spec.Permission {
		detail := strings.TrimSpace(argString(args, "detail"))
		if detail == "" {
			detail = actionDetail(action, payload)
		}
		permTool, capability, scope := permissionProfile(action)
		pid, req := t.getOrRequestPermission(ctx, permTool, capability, scope, detail)
		if pid == "" {
			return PermissionRequired(grantFromMap(req))
		}
		if spec.Method == "POST" {
			if _, exists := payload["permission_id"]; !exists {
				payload["permission_id"] = pid
			}
		}
	}

	timeout := t.actionTimeout(action, args, payload)
	var body map[string]interface{}
	if spec.Method == "POST" {
		body = payload
	}
	return t.requestJSON(ctx, spec.Method, spec.Path, body, timeout).toResult()
}

func actionDetail(action string, payload map[string]interface{}) string {
	raw, _ := json.Marshal(payload)
	s := string(raw)
	if len(s) > 240 {
		s = s[:240]
	}
	return action + ": " + s
}

func (t *DeviceAPITool) actionTimeout(action string, args, payload map[string]interface{}) float64 {
	timeout := 0.0
	if v, ok := args["timeout_s"].(float64); ok {
		timeout = v
	} else if v, ok := payload["timeout_s"].(float64); ok {
		timeout = v
	} else if v, ok := deviceActionTimeouts[action]; ok {
		timeout = v
	} else {
		timeout = deviceDefaultTimeout
	}
	if timeout < deviceMinTimeout {
		timeout = deviceMinTimeout
	}
	if timeout > deviceMaxTimeout {
		timeout = deviceMaxTimeout
	}
	return timeout
}

// --- permission flow against the peer ---

func (t *DeviceAPITool) getOrRequestPermission(ctx context.Context, tool, capability, scope, detail string) (string, map[string]interface{}) {
	cacheKey := tool + "::" + capability + "::" + scope

	t.mu.Lock()
	cached := t.permissionIDs[cacheKey]
	t.mu.Unlock()

	if cached != "" && t.isApproved(ctx, cached) {
		return cached, map[string]interface{}{"id": cached, "status": "approved"}
	}

	req := t.requestPermission(ctx, tool, capability, scope, detail)
	pid := strings.TrimSpace(argString(req, "id"))
	if pid == "" {
		return "", req
	}

	t.mu.Lock()
	t.permissionIDs[cacheKey] = pid
	t.mu.Unlock()

	if t.isApproved(ctx, pid) {
		return pid, req
	}
	status := strings.TrimSpace(argString(req, "status"))
	if status == "" {
		status = protocol.StatusPending
	}
	// Never block waiting for the user inside a tool call; surface the
	// pending grant so the agent can ask for approval and retry.
	return "", map[string]interface{}{
		"id": pid, "status": status, "tool": tool,
		"detail": detail, "scope": scope, "capability": capability,
	}
}

func (t *DeviceAPITool) isApproved(ctx context.Context, pid string) bool {
	resp := t.requestJSON(ctx, "GET", "/permissions/"+pid, nil, 8)
	return resp.Body != nil && argString(resp.Body, "status") == protocol.StatusApproved
}

func (t *DeviceAPITool) requestPermission(ctx context.Context, tool, capability, scope, detail string) map[string]interface{} {
	resp := t.requestJSON(ctx, "POST", "/permissions/request", map[string]interface{}{
		"tool":       tool,
		"detail":     detail,
		"scope":      scope,
		"identity":   t.getIdentity(),
		"capability": capability,
	}, 8)
	if resp.Status != "ok" || resp.Body == nil {
		return map[string]interface{}{"status": "error", "error": "permission_request_failed"}
	}
	return resp.Body
}

func grantFromMap(m map[string]interface{}) *protocol.Grant {
	if m == nil {
		return nil
	}
	g := &protocol.Grant{
		ID:     argString(m, "id"),
		Tool:   argString(m, "tool"),
		Detail: argString(m, "detail"),
		Scope:  argString(m, "scope"),
		Status: argString(m, "status"),
	}
	if g.Status == "" {
		g.Status = protocol.StatusPending
	}
	return g
}

// --- peer transport ---

type peerResponse struct {
	Status     string
	HTTPStatus int
	Body       map[string]interface{}
	Err        string
}

func (r peerResponse) toResult() *protocol.ToolResult {
	switch r.Status {
	case "ok":
		return OK(map[string]interface{}{"http_status": r.HTTPStatus, "body": r.Body})
	case "http_error":
		return &protocol.ToolResult{
			Status: protocol.ResultError,
			Error:  protocol.ErrHTTPError,
			Extra:  map[string]interface{}{"http_status": r.HTTPStatus, "body": r.Body},
		}
	default:
		return Errf(protocol.ErrUpstreamError, r.Err)
	}
}

func (t *DeviceAPITool) requestJSON(ctx context.Context, method, path string, body map[string]interface{}, timeoutSec float64) peerResponse {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec*float64(time.Second)))
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return peerResponse{Status: "error", Err: err.Error()}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return peerResponse{Status: "error", Err: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Methings-Identity", t.getIdentity())

	resp, err := t.client.Do(req)
	if err != nil {
		return peerResponse{Status: "error", Err: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return peerResponse{Status: "error", Err: err.Error()}
	}

	var parsed map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed = map[string]interface{}{"raw": string(raw)}
		}
	} else {
		parsed = map[string]interface{}{}
	}

	if resp.StatusCode >= 400 {
		// OS-level USB permission failures come from the platform, not our
		// broker; give the user something actionable.
		if argString(parsed, "error") == protocol.ErrUSBPermissionRequired {
			if _, ok := parsed["hint"]; !ok {
				parsed["hint"] = "USB permission is required. Bring the device app to the foreground and accept the system USB access dialog, then retry."
			}
		}
		return peerResponse{Status: "http_error", HTTPStatus: resp.StatusCode, Body: parsed}
	}
	return peerResponse{Status: "ok", HTTPStatus: resp.StatusCode, Body: parsed}
}

// ExecuteAction is a convenience wrapper used by the brain runtime's tool
// mapping for verbs like brain.memory.get.
func (t *DeviceAPITool) ExecuteAction(ctx context.Context, action string, payload map[string]interface{}, detail string) *protocol.ToolResult {
	args := map[string]interface{}{"action": action}
	if payload != nil {
		args["payload"] = payload
	}
	if detail != "" {
		args["detail"] = detail
	}
	return t.Execute(ctx, args)
}
