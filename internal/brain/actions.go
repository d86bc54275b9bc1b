package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/tools"
	"github.com/methings/agentd/pkg/protocol"
)

const (
	listDirDefaultLimit     = 200
	readFileDefaultMaxBytes = 262144
	sleepMaxSeconds         = 10.0

	memoryWriteGateMessage = "Persistent memory writes require an explicit user request to save/persist."
)

// fsTool returns the filesystem tool for the configured fs_scope.
func (r *Runtime) fsTool() *tools.FilesystemTool {
	if r.Config().fsScope() == "app" && r.fsApp != nil {
		return r.fsApp
	}
	return r.fs
}

// listDirLimit defaults an absent or non-positive limit so a bare list_dir
// call returns a useful listing instead of a single truncated entry.
func listDirLimit(m map[string]interface{}) int {
	if n := argInt(m, "limit"); n > 0 {
		return n
	}
	return listDirDefaultLimit
}

// executeFunctionTool dispatches one model-issued function call, records the
// exchange on the timeline and returns the JSON-ready result fed back to the
// model.
func (r *Runtime) executeFunctionTool(ctx context.Context, item protocol.InboxItem, name string, args map[string]interface{}) map[string]interface{} {
	var result map[string]interface{}

	switch name {
	case "list_dir":
		result = r.fsTool().ListDir(argStr(args, "path"), argBool(args, "show_hidden"), listDirLimit(args)).ToMap()
	case "read_file":
		maxBytes := argInt(args, "max_bytes")
		if maxBytes <= 0 {
			maxBytes = readFileDefaultMaxBytes
		}
		result = r.fsTool().ReadFile(argStr(args, "path"), maxBytes).ToMap()
	case "write_file":
		result = r.fsTool().WriteFile(argStr(args, "path"), argStr(args, "content")).ToMap()
	case "mkdir":
		result = r.fsTool().Mkdir(argStr(args, "path"), argBool(args, "parents")).ToMap()
	case "move_path":
		result = r.fsTool().MovePath(argStr(args, "src"), argStr(args, "dst"), argBool(args, "overwrite")).ToMap()
	case "delete_path":
		result = r.fsTool().DeletePath(argStr(args, "path"), argBool(args, "recursive")).ToMap()

	case "device_api":
		action := argStr(args, "action")
		payload := mmap(args, "payload")
		if payload == nil {
			payload = map[string]interface{}{}
		}
		if action == "brain.memory.set" && !explicitPersistRequested(item.Text) {
			result = map[string]interface{}{
				"status": protocol.ResultError,
				"error":  "memory_write_not_requested",
				"detail": memoryWriteGateMessage,
			}
		} else {
			result = r.device.ExecuteAction(ctx, action, payload, argStr(args, "detail")).ToMap()
		}

	case "memory_get":
		result = r.device.ExecuteAction(ctx, "brain.memory.get", map[string]interface{}{}, "Read persistent memory").ToMap()
	case "memory_set":
		if !explicitPersistRequested(item.Text) {
			result = map[string]interface{}{
				"status": protocol.ResultError,
				"error":  "memory_write_not_requested",
				"detail": memoryWriteGateMessage,
			}
		} else {
			result = r.device.ExecuteAction(ctx, "brain.memory.set",
				map[string]interface{}{"content": argStr(args, "content")},
				"Write persistent memory").ToMap()
		}

	case "run_python":
		result = r.shell.Exec(ctx, "python", tools.SplitArgs(argStr(args, "args")), argStr(args, "cwd")).ToMap()
	case "run_pip":
		result = r.shell.Exec(ctx, "pip", tools.SplitArgs(argStr(args, "args")), argStr(args, "cwd")).ToMap()
	case "run_curl":
		result = r.shell.Exec(ctx, "curl", tools.SplitArgs(argStr(args, "args")), argStr(args, "cwd")).ToMap()

	case "web_search":
		result = r.webSearch(ctx, argStr(args, "query"), argInt(args, "max_results"))

	case "sleep":
		result = r.sleepAction(ctx, argFloat(args, "seconds"))

	default:
		result = map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUnknownTool}
	}

	r.recordToolExchange(item, map[string]interface{}{"tool": name, "args": args}, result)
	return result
}

// executeAction runs one planner-produced action. The planner speaks a small
// typed vocabulary rather than the function-tool surface.
func (r *Runtime) executeAction(ctx context.Context, item protocol.InboxItem, action map[string]interface{}) map[string]interface{} {
	var result map[string]interface{}

	switch argStr(action, "type") {
	case "shell_exec":
		cmd := argStr(action, "cmd")
		var raw []string
		if list, ok := action["args"].([]interface{}); ok {
			for _, v := range list {
				raw = append(raw, fmt.Sprintf("%v", v))
			}
		} else if s := argStr(action, "args"); s != "" {
			raw = tools.SplitArgs(s)
		}
		result = r.shell.Exec(ctx, cmd, raw, argStr(action, "cwd")).ToMap()

	case "write_file":
		path := argStr(action, "path")
		if strings.TrimSpace(path) == "" {
			result = map[string]interface{}{"status": protocol.ResultError, "error": "missing_path"}
		} else {
			result = r.fsTool().WriteFile(path, argStr(action, "content")).ToMap()
		}

	case "filesystem":
		switch op := argStr(action, "op"); op {
		case "list_dir":
			result = r.fsTool().ListDir(argStr(action, "path"), argBool(action, "show_hidden"), listDirLimit(action)).ToMap()
		case "read_file":
			maxBytes := argInt(action, "max_bytes")
			if maxBytes <= 0 {
				maxBytes = readFileDefaultMaxBytes
			}
			result = r.fsTool().ReadFile(argStr(action, "path"), maxBytes).ToMap()
		case "mkdir":
			result = r.fsTool().Mkdir(argStr(action, "path"), argBool(action, "parents")).ToMap()
		case "move_path":
			result = r.fsTool().MovePath(argStr(action, "src"), argStr(action, "dst"), argBool(action, "overwrite")).ToMap()
		case "delete_path":
			result = r.fsTool().DeletePath(argStr(action, "path"), argBool(action, "recursive")).ToMap()
		default:
			result = map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUnsupportedFsOp, "detail": op}
		}

	case "tool_invoke":
		toolArgs := mmap(action, "args")
		if toolArgs == nil {
			toolArgs = map[string]interface{}{}
		}
		switch tool := argStr(action, "tool"); tool {
		case "device_api":
			result = r.device.Execute(ctx, toolArgs).ToMap()
		case "cloud_request":
			result = r.cloud.Execute(ctx, toolArgs).ToMap()
		default:
			result = map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUnknownTool, "detail": tool}
		}

	case "sleep":
		result = r.sleepAction(ctx, argFloat(action, "seconds"))

	default:
		result = map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUnsupportedAction, "detail": argStr(action, "type")}
	}

	r.recordToolExchange(item, action, result)
	return result
}

// webSearch gates the searcher behind a session-scoped grant. The first call
// in a session blocks (bounded by permission_timeout_s) until the user
// decides; later calls reuse the approved grant.
func (r *Runtime) webSearch(ctx context.Context, query string, maxResults int) map[string]interface{} {
	const capability = "web.search"

	r.mu.Lock()
	pid := r.capabilityGrants[capability]
	timeout := r.cfg.permissionTimeoutS()
	r.mu.Unlock()

	if pid != "" {
		if _, errKind := r.broker.Validate(pid, "web_search"); errKind != "" {
			r.mu.Lock()
			delete(r.capabilityGrants, capability)
			r.mu.Unlock()
			pid = ""
		}
	}

	if pid == "" {
		detail := "Search the web: " + query
		g, err := r.broker.Request("web_search", detail, protocol.ScopeSession, permits.RequestOpts{Capability: capability})
		if err != nil {
			return map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUpstreamError, "detail": err.Error()}
		}
		r.emit("permission_requested", map[string]interface{}{"id": g.ID, "tool": "web_search", "detail": detail})

		deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))
		for {
			cur, err := r.broker.Get(g.ID)
			if err == nil && cur != nil {
				switch cur.Status {
				case protocol.StatusApproved:
					pid = g.ID
				case protocol.StatusDenied:
					return map[string]interface{}{
						"status": protocol.ResultError,
						"error":  protocol.ErrPermissionNotApproved,
						"detail": "Web search permission was denied.",
					}
				case protocol.StatusExpired:
					return map[string]interface{}{
						"status":  protocol.ResultPermissionExpired,
						"error":   protocol.ErrPermissionExpired,
						"request": cur,
					}
				}
			}
			if pid != "" {
				break
			}
			if time.Now().After(deadline) {
				return map[string]interface{}{
					"status":  protocol.ResultPermissionRequired,
					"error":   protocol.ErrPermissionRequired,
					"request": g,
				}
			}
			select {
			case <-ctx.Done():
				return map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUpstreamError, "detail": ctx.Err().Error()}
			case <-time.After(time.Second):
			}
		}
		r.mu.Lock()
		r.capabilityGrants[capability] = pid
		r.mu.Unlock()
	}

	results, err := r.search.Search(ctx, query)
	if err != nil {
		return map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUpstreamError, "detail": err.Error()}
	}
	if maxResults > 0 && maxResults < len(results) {
		results = results[:maxResults]
	}
	return map[string]interface{}{"status": protocol.ResultOK, "results": results, "count": len(results)}
}

func (r *Runtime) sleepAction(ctx context.Context, seconds float64) map[string]interface{} {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > sleepMaxSeconds {
		seconds = sleepMaxSeconds
	}
	select {
	case <-ctx.Done():
		return map[string]interface{}{"status": protocol.ResultError, "error": protocol.ErrUpstreamError, "detail": ctx.Err().Error()}
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
	return map[string]interface{}{"status": protocol.ResultOK, "slept_s": seconds}
}

// recordToolExchange writes the action/result pair to the timeline and the
// audit stream so every tool effect is reconstructible.
func (r *Runtime) recordToolExchange(item protocol.InboxItem, action, result map[string]interface{}) {
	sid := r.sessionIDForItem(item)
	raw, _ := json.Marshal(map[string]interface{}{"action": action, "result": result})
	r.recordMessage("tool", string(raw), map[string]interface{}{
		"item_id":    item.ID,
		"session_id": sid,
	})

	label := argStr(action, "tool")
	if label == "" {
		label = argStr(action, "type")
	}
	r.emit(protocol.EventBrainAction, map[string]interface{}{
		"item_id": item.ID,
		"action":  label,
		"status":  argStr(result, "status"),
	})
}

// planner/tool argument coercion over decoded JSON.

func argStr(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func argBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func argInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
