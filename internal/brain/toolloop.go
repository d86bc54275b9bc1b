package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/pkg/protocol"
)

// toolSummary is one line of the exhaustion report.
type toolSummary struct {
	tool   string
	status string
	err    string
}

// runToolLoop drives the responses-protocol conversation: model turns emit
// function calls, the runtime executes them and feeds outputs back, until
// the model answers without calls or the round budget runs out.
func (r *Runtime) runToolLoop(ctx context.Context, item protocol.InboxItem) error {
	sid := r.sessionIDForItem(item)
	r.device.SetIdentity(sid)

	cfg := r.Config()
	model := strings.TrimSpace(cfg.Model)
	providerURL := strings.TrimSpace(cfg.ProviderURL)
	keyName := strings.TrimSpace(cfg.APIKeyCredential)
	requireTool := cfg.toolPolicy() == "required" && needsToolForText(item.Text)
	toolRequiredUnsatisfied := requireTool

	if model == "" || providerURL == "" || keyName == "" {
		r.recordMessage("assistant",
			"Brain is not configured yet. Set provider_url, model, and api_key_credential via /brain/config.",
			map[string]interface{}{"item_id": item.ID})
		return nil
	}
	apiKey := providers.ResolveAPIKey(r.store, keyName, cfg.APIKeyEnv)
	if apiKey == "" {
		r.recordMessage("assistant",
			fmt.Sprintf("Missing API credential '%s'. Set it in vault or provide env var, then continue.", keyName),
			map[string]interface{}{"item_id": item.ID})
		return nil
	}

	pendingInput := r.buildInitialInput(ctx, item, sid)
	toolDefs := responsesTools()
	maxRounds := cfg.maxToolRounds()
	maxActions := cfg.maxActions()

	previousResponseID := ""
	forcedRounds := 0
	var lastSummaries []toolSummary

	for round := 0; round < maxRounds; round++ {
		body := map[string]interface{}{
			"model": model,
			"tools": toolDefs,
			"input": pendingInput,
			// Repeat instructions every round; some models drift once the
			// tool loop begins.
			"instructions": cfg.SystemPrompt,
		}
		if previousResponseID != "" {
			body["previous_response_id"] = previousResponseID
		}

		payload, err := r.client.Call(ctx, providerURL, apiKey, body, providers.ToolLoopTimeout)
		if err != nil {
			return err
		}
		previousResponseID = mstr(payload, "id")

		outputItems := mlist(payload, "output")
		messageTexts := collectMessageTexts(outputItems)
		calls := collectFunctionCalls(outputItems)

		if len(calls) == 0 {
			// Under the required policy, a tool-free answer is only accepted
			// after at least one observed tool call.
			if toolRequiredUnsatisfied && forcedRounds < 1 {
				forcedRounds++
				pendingInput = []map[string]interface{}{{
					"role": "user",
					"content": "Tool policy is REQUIRED for this request. " +
						"You MUST call one or more tools (device_api, run_python/run_pip/run_curl, " +
						"filesystem tools, write_file, sleep) to perform the action(s), " +
						"then summarize after tool outputs are provided. " +
						"Do not claim you executed anything without tool output.",
				}}
				continue
			}
			for _, text := range messageTexts {
				r.postAssistant(item, sid, text)
			}
			return nil
		}

		toolRequiredUnsatisfied = false
		for _, text := range messageTexts {
			r.postAssistant(item, sid, text)
		}

		pendingInput = pendingInput[:0]
		lastSummaries = lastSummaries[:0]
		if len(calls) > maxActions {
			calls = calls[:maxActions]
		}
		for _, call := range calls {
			name := mstr(call, "name")
			callID := mstr(call, "call_id")
			args := decodeCallArgs(call["arguments"])

			result := r.executeFunctionTool(ctx, item, name, args)
			lastSummaries = append(lastSummaries, toolSummary{
				tool:   name,
				status: mstr(result, "status"),
				err:    mstr(result, "error"),
			})

			switch mstr(result, "status") {
			case protocol.ResultPermissionRequired, protocol.ResultPermissionExpired:
				// Surface the consent gate immediately; the user has to act
				// before anything else can happen.
				tool := name
				switch req := result["request"].(type) {
				case *protocol.Grant:
					if req != nil && req.Tool != "" {
						tool = req.Tool
					}
				case map[string]interface{}:
					if t := mstr(req, "tool"); t != "" {
						tool = t
					}
				}
				r.recordMessage("assistant",
					fmt.Sprintf("Permission required for '%s'. Please approve the in-app prompt/notification to continue.", tool),
					map[string]interface{}{"item_id": item.ID, "session_id": sid})
				r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": "permission_required"})
				return nil
			case protocol.ResultError:
				// A policy-blocked tool will never succeed on retry; stop
				// instead of burning rounds.
				if errKind := mstr(result, "error"); isPolicyBlocked(errKind) {
					r.recordMessage("assistant",
						fmt.Sprintf("Tool '%s' failed with %s. This is blocked by local policy/sandbox. Try a different approach or change the policy.", name, errKind),
						map[string]interface{}{"item_id": item.ID, "session_id": sid})
					r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": "tool_error_blocked"})
					return nil
				}
			}

			raw, _ := json.Marshal(result)
			pendingInput = append(pendingInput, map[string]interface{}{
				"type":    "function_call_output",
				"call_id": callID,
				"output":  string(raw),
			})
		}

		// Nudge the model to stop once it has enough information.
		pendingInput = append(pendingInput, map[string]interface{}{
			"role": "user",
			"content": "Tool outputs have been provided. " +
				"If the user's request is fully satisfied, respond with the final answer and STOP. " +
				"If there are still outstanding checklist items or follow-up actions needed to satisfy the request, " +
				"call additional tools now (within the remaining rounds) and only stop once the checklist is complete.",
		})
	}

	// Round budget exhausted without a final answer; leave a breadcrumb
	// instead of a silent timeline.
	summary := ""
	if len(lastSummaries) > 0 {
		parts := make([]string, 0, 6)
		for i, s := range lastSummaries {
			if i >= 6 {
				break
			}
			if s.err != "" {
				parts = append(parts, fmt.Sprintf("%s=%s/%s", s.tool, s.status, s.err))
			} else {
				parts = append(parts, fmt.Sprintf("%s=%s", s.tool, s.status))
			}
		}
		summary = " Last tools: " + strings.Join(parts, ", ") + "."
	}
	r.recordMessage("assistant",
		"Agent tool loop did not finish within the allowed rounds. "+
			"The last tool outputs may contain the error (e.g., permission_required or command_not_allowed). "+
			"Please retry or rephrase, and approve any pending permissions if prompted."+summary,
		map[string]interface{}{"item_id": item.ID, "session_id": sid})
	r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": "tool_loop_exhausted"})
	return nil
}

func (r *Runtime) postAssistant(item protocol.InboxItem, sid, text string) {
	r.recordMessage("assistant", text, map[string]interface{}{"item_id": item.ID, "session_id": sid})
	snippet := text
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": snippet})
}

// buildInitialInput assembles the model-visible conversation: session notes
// and persistent memory first, then the recent dialogue, then the current
// user message.
func (r *Runtime) buildInitialInput(ctx context.Context, item protocol.InboxItem, sid string) []map[string]interface{} {
	notes := r.journal.Notes(sid)
	if notes == nil {
		notes = map[string]string{}
	}
	notesJSON, _ := json.Marshal(notes)
	memory := strings.TrimSpace(r.persistentMemory(ctx))
	if memory == "" {
		memory = "(empty)"
	}

	input := []map[string]interface{}{{
		"role": "user",
		"content": "Session notes (ephemeral, no permissions required):\n" + string(notesJSON) +
			"\n\nPersistent memory (may be empty; writing may require permission):\n" + memory,
	}}

	for _, msg := range r.dialogue(sid, 30, item) {
		input = append(input, msg)
	}
	input = append(input, map[string]interface{}{
		"role":    "user",
		"content": decorateWithActor(item.Text, item.Meta),
	})
	return input
}

// dialogue returns the recent user/assistant turns of a session, excluding
// the just-recorded copy of the current message.
func (r *Runtime) dialogue(sid string, limit int, current protocol.InboxItem) []map[string]interface{} {
	msgs, err := r.journal.ListForSession(sid, limit)
	if err != nil {
		r.log.Warn("dialogue fetch failed", "error", err)
		return nil
	}
	var out []map[string]interface{}
	for _, msg := range msgs {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		out = append(out, map[string]interface{}{
			"role":    msg.Role,
			"content": decorateWithActor(msg.Text, msg.Meta),
		})
	}
	if n := len(out); n > 0 {
		last := out[n-1]
		if last["role"] == "user" && last["content"] == decorateWithActor(current.Text, current.Meta) {
			out = out[:n-1]
		}
	}
	return out
}

// decorateWithActor prefixes non-principal actors so the transcript stays
// unambiguous for the model. Prefixes are stable wire text.
func decorateWithActor(text string, meta map[string]interface{}) string {
	actor := ""
	if meta != nil {
		if v, ok := meta["actor"].(string); ok {
			actor = strings.ToLower(strings.TrimSpace(v))
		}
	}
	switch actor {
	case "", protocol.ActorHuman, "user", protocol.ActorAgent:
		return text
	case protocol.ActorCodex:
		return "[CODEX] " + text
	default:
		return "[" + strings.ToUpper(actor) + "] " + text
	}
}

// persistentMemory reads the device-held memory blob; absence is fine.
func (r *Runtime) persistentMemory(ctx context.Context) string {
	res := r.device.ExecuteAction(ctx, "brain.memory.get", map[string]interface{}{}, "Read persistent memory")
	if res.Status != protocol.ResultOK {
		return ""
	}
	body, _ := res.Extra["body"].(map[string]interface{})
	if body == nil {
		return ""
	}
	content, _ := body["content"].(string)
	return content
}

func collectMessageTexts(outputItems []interface{}) []string {
	var texts []string
	for _, o := range outputItems {
		out, ok := o.(map[string]interface{})
		if !ok || mstr(out, "type") != "message" {
			continue
		}
		var parts []string
		for _, p := range mlist(out, "content") {
			part, ok := p.(map[string]interface{})
			if !ok || mstr(part, "type") != "output_text" {
				continue
			}
			if t := strings.TrimSpace(mstr(part, "text")); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			texts = append(texts, strings.Join(parts, "\n"))
		}
	}
	return texts
}

func collectFunctionCalls(outputItems []interface{}) []map[string]interface{} {
	var calls []map[string]interface{}
	for _, o := range outputItems {
		out, ok := o.(map[string]interface{})
		if ok && mstr(out, "type") == "function_call" {
			calls = append(calls, out)
		}
	}
	return calls
}

func decodeCallArgs(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case string:
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(v), &args); err == nil {
			return args
		}
	case map[string]interface{}:
		return v
	}
	return map[string]interface{}{}
}

func isPolicyBlocked(errKind string) bool {
	switch errKind {
	case protocol.ErrCommandNotAllowed, protocol.ErrPathNotAllowed, protocol.ErrInvalidPath:
		return true
	}
	return false
}

// map access helpers for decoded JSON.

func mstr(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mmap(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func mlist(m map[string]interface{}, key string) []interface{} {
	if v, ok := m[key].([]interface{}); ok {
		return v
	}
	return nil
}
