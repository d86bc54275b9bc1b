package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/pkg/protocol"
)

// plannerActions is the device verb subset the planner is allowed to use.
var plannerActions = []string{
	"python.status",
	"python.restart",
	"sshd.status",
	"sshd.config",
	"sshd.pin.status",
	"sshd.pin.start",
	"sshd.pin.stop",
	"brain.memory.get",
	"brain.memory.set",
}

const plannerPromptHeader = "Return strict JSON object with keys responses (string[]) and actions (object[]). " +
	"Action objects: " +
	"{type:'shell_exec', cmd:'python|pip|curl', args:'...', cwd:'/subdir'} OR " +
	"{type:'filesystem', op:'list_dir|read_file|mkdir|move_path|delete_path', ...} OR " +
	"{type:'write_file', path:'relative/path.py', content:'...'} OR " +
	"{type:'tool_invoke', tool:'device_api', args:{...}, detail:'optional'} OR " +
	"{type:'sleep', seconds:1}. " +
	"Filesystem action shapes: " +
	"- list_dir: {type:'filesystem', op:'list_dir', path:'relative/or/absolute', show_hidden:false, limit:200} " +
	"- read_file: {type:'filesystem', op:'read_file', path:'relative/or/absolute', max_bytes:262144} " +
	"- mkdir: {type:'filesystem', op:'mkdir', path:'relative/or/absolute', parents:true} " +
	"- move_path: {type:'filesystem', op:'move_path', src:'...', dst:'...', overwrite:false} " +
	"- delete_path: {type:'filesystem', op:'delete_path', path:'...', recursive:false}. " +
	"For device actions, use tool='device_api' and args shape: " +
	"{action:'python.status|python.restart|sshd.status|sshd.config|sshd.pin.status|sshd.pin.start|sshd.pin.stop|brain.memory.get|brain.memory.set', payload:{...}, detail:'...'}." +
	"If user asks to check status, include at least one device_api status action. " +
	"If user asks to change device state, include one device_api mutating action with minimal payload. " +
	"Example output for status request: " +
	"{\"responses\":[\"Checking current SSH and Python status.\"]," +
	"\"actions\":[{\"type\":\"tool_invoke\",\"tool\":\"device_api\",\"args\":{\"action\":\"sshd.status\",\"payload\":{},\"detail\":\"Check SSH service status\"}}," +
	"{\"type\":\"tool_invoke\",\"tool\":\"device_api\",\"args\":{\"action\":\"python.status\",\"payload\":{},\"detail\":\"Check Python worker status\"}}]}. " +
	"If Input.tool_results is non-empty, use those results to decide next actions or final responses. " +
	"Set actions=[] when the task is complete. " +
	"Input:\n"

// plannerPlan is one planning round: texts to post and actions to run.
type plannerPlan struct {
	Responses []string
	Actions   []map[string]interface{}
}

// runPlannerLoop is the chat-completions fallback: plan, execute, feed
// results back, up to three rounds.
func (r *Runtime) runPlannerLoop(ctx context.Context, item protocol.InboxItem) error {
	sid := r.sessionIDForItem(item)
	r.device.SetIdentity(sid)

	maxActions := r.Config().maxActions()
	var toolResults []map[string]interface{}
	totalActions := 0

	for round := 0; round < 3; round++ {
		plan, err := r.planWithCloud(ctx, item, toolResults)
		if err != nil {
			return err
		}
		for _, text := range plan.Responses {
			r.postAssistant(item, sid, text)
		}
		actions := plan.Actions
		if len(actions) == 0 {
			break
		}
		if len(actions) > maxActions {
			actions = actions[:maxActions]
		}

		var roundResults []map[string]interface{}
		for _, action := range actions {
			result := r.executeAction(ctx, item, action)
			roundResults = append(roundResults, map[string]interface{}{
				"action": action,
				"result": result,
			})
			totalActions++
		}
		toolResults = roundResults
		if len(roundResults) == 0 {
			break
		}
	}

	r.emit("brain_item_done", map[string]interface{}{"id": item.ID, "actions": totalActions})
	return nil
}

// planWithCloud asks the model for one plan. Configuration gaps come back as
// plans so the reply lands on the timeline, not in the error path.
func (r *Runtime) planWithCloud(ctx context.Context, item protocol.InboxItem, toolResults []map[string]interface{}) (plannerPlan, error) {
	cfg := r.Config()
	model := strings.TrimSpace(cfg.Model)
	providerURL := strings.TrimSpace(cfg.ProviderURL)
	keyName := strings.TrimSpace(cfg.APIKeyCredential)

	if model == "" || providerURL == "" || keyName == "" {
		return plannerPlan{Responses: []string{
			"Brain is not configured yet. Set provider_url, model, and api_key_credential via /brain/config.",
		}}, nil
	}
	apiKey := providers.ResolveAPIKey(r.store, keyName, cfg.APIKeyEnv)
	if apiKey == "" {
		return plannerPlan{Responses: []string{
			fmt.Sprintf("Missing API credential '%s'. Set it in vault or provide env var, then continue.", keyName),
		}}, nil
	}

	sid := r.sessionIDForItem(item)
	if toolResults == nil {
		toolResults = []map[string]interface{}{}
	}
	userPayload := map[string]interface{}{
		"item":              item,
		"recent_messages":   r.dialogue(sid, 20, item),
		"persistent_memory": r.persistentMemory(ctx),
		"constraints": map[string]interface{}{
			"device_api_actions": plannerActions,
			"root":               r.fsTool().Root(),
		},
		"tool_results": toolResults,
	}
	payloadJSON, err := json.Marshal(userPayload)
	if err != nil {
		return plannerPlan{}, err
	}
	plannerPrompt := plannerPromptHeader + string(payloadJSON)

	var body map[string]interface{}
	if cfg.usesResponsesProtocol() {
		body = map[string]interface{}{
			"model":        model,
			"instructions": cfg.SystemPrompt,
			"input":        []map[string]interface{}{{"role": "user", "content": plannerPrompt}},
		}
	} else {
		body = map[string]interface{}{
			"model":       model,
			"temperature": cfg.temperature(),
			"messages": []map[string]interface{}{
				{"role": "system", "content": cfg.SystemPrompt},
				{"role": "user", "content": plannerPrompt},
			},
		}
	}

	payload, err := r.client.Call(ctx, providerURL, apiKey, body, providers.PlannerTimeout)
	if err != nil {
		return plannerPlan{}, err
	}

	parsed := parseJSONObject(extractPlannerContent(payload))
	if parsed == nil {
		return plannerPlan{Responses: []string{"Model response was not valid JSON."}}, nil
	}

	plan := plannerPlan{}
	for _, v := range mlist(parsed, "responses") {
		if s, ok := v.(string); ok {
			plan.Responses = append(plan.Responses, s)
		}
	}
	for _, v := range mlist(parsed, "actions") {
		if m, ok := v.(map[string]interface{}); ok {
			plan.Actions = append(plan.Actions, m)
		}
	}
	if len(plan.Responses) == 0 && len(plan.Actions) == 0 {
		if h := heuristicPlan(item); len(h.Responses) > 0 || len(h.Actions) > 0 {
			return h, nil
		}
		return plannerPlan{Responses: []string{
			"Model returned no actionable plan. Please retry with a clearer request.",
		}}, nil
	}
	return plan, nil
}

// extractPlannerContent digs the model's text out of either protocol shape.
func extractPlannerContent(payload map[string]interface{}) string {
	if s := mstr(payload, "output_text"); s != "" {
		return s
	}
	if choices := mlist(payload, "choices"); len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if msg := mmap(choice, "message"); msg != nil {
				if s := mstr(msg, "content"); s != "" {
					return s
				}
			}
		}
	}
	for _, o := range mlist(payload, "output") {
		out, ok := o.(map[string]interface{})
		if !ok || mstr(out, "type") != "message" {
			continue
		}
		for _, p := range mlist(out, "content") {
			if part, ok := p.(map[string]interface{}); ok && mstr(part, "type") == "output_text" {
				if s := mstr(part, "text"); s != "" {
					return s
				}
			}
		}
	}
	return "{}"
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseJSONObject tolerates prose around the JSON: first a strict parse,
// then the outermost brace span.
func parseJSONObject(raw string) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m
	}
	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(match), &m); err != nil {
		return nil
	}
	return m
}

// heuristicPlan covers the common device requests when the model returns an
// empty plan.
func heuristicPlan(item protocol.InboxItem) plannerPlan {
	text := strings.ToLower(item.Text)
	plan := plannerPlan{}

	deviceCall := func(action, detail string, payload map[string]interface{}) map[string]interface{} {
		if payload == nil {
			payload = map[string]interface{}{}
		}
		return map[string]interface{}{
			"type": "tool_invoke",
			"tool": "device_api",
			"args": map[string]interface{}{
				"action":  action,
				"payload": payload,
				"detail":  detail,
			},
		}
	}

	switch {
	case containsAny(text, "status", "check", "state") && containsAny(text, "ssh", "python", "worker", "device"):
		plan.Responses = append(plan.Responses, "Checking SSH and Python status.")
		plan.Actions = append(plan.Actions,
			deviceCall("sshd.status", "Check SSH service status", nil),
			deviceCall("python.status", "Check Python worker status", nil))
	case strings.Contains(text, "restart") && strings.Contains(text, "python"):
		plan.Responses = append(plan.Responses, "Restarting Python worker.")
		plan.Actions = append(plan.Actions,
			deviceCall("python.restart", "Restart Python worker from agent request", nil))
	case strings.Contains(text, "enable") && strings.Contains(text, "ssh"):
		plan.Responses = append(plan.Responses, "Enabling SSH service.")
		plan.Actions = append(plan.Actions,
			deviceCall("sshd.config", "Enable SSH service from agent request", map[string]interface{}{"enabled": true}))
	case strings.Contains(text, "pin") && strings.Contains(text, "ssh") && containsAny(text, "start", "enable", "use"):
		plan.Responses = append(plan.Responses, "Starting SSH PIN authentication window.")
		plan.Actions = append(plan.Actions,
			deviceCall("sshd.pin.start", "Start SSH PIN auth", map[string]interface{}{"seconds": 20}))
	case strings.Contains(text, "memory") && containsAny(text, "show", "get", "read"):
		plan.Responses = append(plan.Responses, "Reading persistent memory.")
		plan.Actions = append(plan.Actions,
			deviceCall("brain.memory.get", "Read persistent memory", nil))
	}
	return plan
}
