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

// CloudRequestTool forwards outbound HTTP request templates to the peer's
// /cloud/request endpoint. The peer expands placeholders, injects secrets and
// runs the consent prompt; no secret material ever passes through here.
type CloudRequestTool struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger

	mu       sync.Mutex
	identity string
}

// NewCloudRequestTool returns a cloud proxy for the peer at baseURL.
func NewCloudRequestTool(baseURL, identity string) *CloudRequestTool {
	if identity == "" {
		identity = strings.TrimSpace(os.Getenv("METHINGS_IDENTITY"))
	}
	if identity == "" {
		identity = strings.TrimSpace(os.Getenv("METHINGS_SESSION_ID"))
	}
	if identity == "" {
		identity = "default"
	}
	return &CloudRequestTool{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{},
		log:      slog.With("component", "cloud-request"),
		identity: identity,
	}
}

func (t *CloudRequestTool) Name() string { return "cloud_request" }
func (t *CloudRequestTool) Description() string {
	return "Send an outbound HTTP request through the secret-injecting cloud proxy"
}
func (t *CloudRequestTool) ManagesPermissions() bool { return true }

// SetIdentity switches the session identity used for grant grouping.
func (t *CloudRequestTool) SetIdentity(identity string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "default"
	}
	t.mu.Lock()
	t.identity = identity
	t.mu.Unlock()
}

func (t *CloudRequestTool) getIdentity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *CloudRequestTool) Execute(ctx context.Context, args map[string]interface{}) *protocol.ToolResult {
	if id := argString(args, "identity"); id != "" {
		t.SetIdentity(id)
	} else if id := argString(args, "session_id"); id != "" {
		t.SetIdentity(id)
	}

	payload := argMap(args, "request")
	if payload == nil {
		payload = args
	}

	permissionID := strings.TrimSpace(argString(payload, "permission_id"))

	// The local call must outlive the upstream transfer, otherwise slow but
	// progressing requests get cut off here.
	reqTimeout := 45.0
	if v, ok := payload["timeout_s"].(float64); ok {
		reqTimeout = v
	}
	toolTimeout := reqTimeout + 60
	if toolTimeout < 60 {
		toolTimeout = 60
	}
	if toolTimeout > 300 {
		toolTimeout = 300
	}

	do := func(pid string) peerResponse {
		p := make(map[string]interface{}, len(payload)+2)
		for k, v := range payload {
			p[k] = v
		}
		if _, exists := p["identity"]; !exists {
			p["identity"] = t.getIdentity()
		}
		if pid != "" {
			p["permission_id"] = pid
		}
		return t.requestJSON(ctx, "POST", "/cloud/request", p, toolTimeout)
	}

	r := do(permissionID)
	if r.Status != "ok" {
		return Errf(protocol.ErrUpstreamError, r.Err)
	}

	if r.HTTPStatus == 403 && r.Body != nil && argString(r.Body, "status") == "permission_required" {
		// Default: surface the pending grant so the agent can ask the user to
		// approve and retry. Blocking until approval is opt-in.
		if !argBool(payload, "wait_for_approval") {
			return cloudResult(r)
		}
		req := argMap(r.Body, "request")
		pid := strings.TrimSpace(argString(req, "id"))
		if pid == "" {
			return cloudResult(r)
		}
		return t.waitAndRetry(ctx, pid, do)
	}

	return cloudResult(r)
}

// waitAndRetry polls the grant until it resolves, then replays the request.
func (t *CloudRequestTool) waitAndRetry(ctx context.Context, pid string, do func(string) peerResponse) *protocol.ToolResult {
	for {
		select {
		case <-ctx.Done():
			return Errf(protocol.ErrUpstreamError, ctx.Err().Error())
		case <-time.After(time.Second):
		}

		st := t.requestJSON(ctx, "GET", "/permissions/"+pid, nil, 12)
		if st.Status != "ok" || st.Body == nil {
			continue
		}
		switch argString(st.Body, "status") {
		case protocol.StatusApproved:
			r := do(pid)
			if r.Status != "ok" {
				return Errf(protocol.ErrUpstreamError, r.Err)
			}
			return cloudResult(r)
		case protocol.StatusDenied, protocol.StatusExpired, protocol.StatusUsed:
			return &protocol.ToolResult{
				Status: protocol.ResultError,
				Error:  protocol.ErrPermissionNotApproved,
				Extra:  map[string]interface{}{"permission": st.Body},
			}
		}
	}
}

// cloudResult surfaces the peer body as-is, annotated with the transport
// status. A 403 permission_required body becomes the grant-bearing refusal.
func cloudResult(r peerResponse) *protocol.ToolResult {
	body := r.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	if _, exists := body["http_status"]; !exists {
		body["http_status"] = r.HTTPStatus
	}

	switch argString(body, "status") {
	case "permission_required":
		res := PermissionRequired(grantFromMap(argMap(body, "request")))
		res.Extra = body
		return res
	case "", "ok":
		return OK(body)
	default:
		return &protocol.ToolResult{
			Status: protocol.ResultError,
			Error:  argString(body, "error"),
			Detail: argString(body, "detail"),
			Extra:  body,
		}
	}
}

func (t *CloudRequestTool) requestJSON(ctx context.Context, method, path string, body map[string]interface{}, timeoutSec float64) peerResponse {
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
	// Unlike the device proxy, upstream HTTP errors still carry a meaningful
	// body here; pass everything through with the transport status attached.
	return peerResponse{Status: "ok", HTTPStatus: resp.StatusCode, Body: parsed}
}
