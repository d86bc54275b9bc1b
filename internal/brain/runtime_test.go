package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/methings/agentd/internal/journal"
	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/internal/tools"
	"github.com/methings/agentd/pkg/protocol"
)

// fakeDevicePeer serves the minimal device-API surface the runtime touches
// during item processing.
func fakeDevicePeer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /brain/memory", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "content": ""})
	})
	mux.HandleFunc("GET /python/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "running": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestRuntime(t *testing.T, providerURL string) (*Runtime, store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := t.TempDir()
	appRoot, err := tools.NewUserRoot(base)
	if err != nil {
		t.Fatal(err)
	}
	root, err := tools.NewUserRoot(filepath.Join(base, "user"))
	if err != nil {
		t.Fatal(err)
	}
	peerURL := fakeDevicePeer(t)

	r := New(Deps{
		Store:   s,
		Journal: journal.New(s),
		Broker:  permits.New(s),
		Client:  providers.NewClient(),
		FS:      tools.NewFilesystemTool(root),
		FSApp:   tools.NewFilesystemTool(appRoot),
		Shell:   tools.NewShellTool(root),
		Device:  tools.NewDeviceAPITool(peerURL, "default"),
		Cloud:   tools.NewCloudRequestTool(peerURL, "default"),
		Search:  tools.NewWebSearcher(),
	})
	if providerURL != "" {
		t.Setenv("OPENAI_API_KEY", "test-key")
		r.UpdateConfig(map[string]interface{}{
			"provider_url": providerURL,
			"model":        "test-model",
		})
	}
	return r, s
}

func sessionTexts(t *testing.T, r *Runtime, sid, role string) []string {
	t.Helper()
	msgs, err := r.journal.ListForSession(sid, 50)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, m := range msgs {
		if m.Role == role {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestEnqueueIDsDistinct(t *testing.T) {
	r, _ := newTestRuntime(t, "")

	a, err := r.EnqueueChat("one", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.EnqueueChat("two", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("ids collide: %s", a.ID)
	}
	if !strings.HasPrefix(a.ID, "chat_") {
		t.Errorf("id = %s", a.ID)
	}

	ev, err := r.EnqueueEvent("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "unnamed_event" || !strings.HasPrefix(ev.ID, "event_") {
		t.Errorf("event item = %+v", ev)
	}
}

func TestEnqueueFullInbox(t *testing.T) {
	r, _ := newTestRuntime(t, "")

	for i := 0; i < inboxCapacity; i++ {
		if _, err := r.EnqueueChat(fmt.Sprintf("msg %d", i), nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := r.EnqueueChat("overflow", nil); err == nil {
		t.Fatal("expected inbox full error")
	} else if !strings.Contains(err.Error(), "inbox full") {
		t.Errorf("error = %v", err)
	}
}

func TestSessionNoteAckAndRecall(t *testing.T) {
	r, _ := newTestRuntime(t, "")
	ctx := context.Background()
	sid := "alpha"

	item := protocol.InboxItem{
		Kind: protocol.ItemChat,
		ID:   "chat_1",
		Text: "My favorite color is teal",
		Meta: map[string]interface{}{"session_id": sid},
	}
	if err := r.processItem(ctx, item); err != nil {
		t.Fatal(err)
	}
	replies := sessionTexts(t, r, sid, "assistant")
	if len(replies) != 1 || !strings.Contains(replies[0], "favorite color is teal") {
		t.Fatalf("ack replies = %v", replies)
	}

	// Repeating the statement changes nothing, so it answers from the note
	// instead of re-acknowledging.
	item.ID = "chat_2"
	if err := r.processItem(ctx, item); err != nil {
		t.Fatal(err)
	}
	replies = sessionTexts(t, r, sid, "assistant")
	if got := replies[len(replies)-1]; got != "Your favorite color (in this session) is teal." {
		t.Errorf("repeat reply = %q", got)
	}

	recall := protocol.InboxItem{
		Kind: protocol.ItemChat,
		ID:   "chat_3",
		Text: "What is my favorite color?",
		Meta: map[string]interface{}{"session_id": sid},
	}
	if err := r.processItem(ctx, recall); err != nil {
		t.Fatal(err)
	}
	replies = sessionTexts(t, r, sid, "assistant")
	last := replies[len(replies)-1]
	if last != "Your favorite color (in this session) is teal." {
		t.Errorf("recall reply = %q", last)
	}
}

func TestToolLoopFunctionCallRoundTrip(t *testing.T) {
	var calls int64
	var sawPreviousID atomic.Bool
	var sawOutput atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "resp_1",
				"output": []map[string]interface{}{{
					"type":      "function_call",
					"name":      "list_dir",
					"call_id":   "c1",
					"arguments": `{"path":".","show_hidden":false,"limit":10}`,
				}},
			})
			return
		}
		if body["previous_response_id"] == "resp_1" {
			sawPreviousID.Store(true)
		}
		if input, ok := body["input"].([]interface{}); ok {
			for _, v := range input {
				if m, ok := v.(map[string]interface{}); ok && m["type"] == "function_call_output" && m["call_id"] == "c1" {
					sawOutput.Store(true)
				}
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "resp_2",
			"output": []map[string]interface{}{{
				"type": "message",
				"content": []map[string]interface{}{
					{"type": "output_text", "text": "Done listing."},
				},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r, _ := newTestRuntime(t, srv.URL+"/v1/responses")

	item := protocol.InboxItem{
		Kind: protocol.ItemChat,
		ID:   "chat_1",
		Text: "list the files in my home directory",
		Meta: map[string]interface{}{"session_id": "s1"},
	}
	if err := r.processItem(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("provider calls = %d, want 2", calls)
	}
	if !sawPreviousID.Load() {
		t.Error("second call missing previous_response_id")
	}
	if !sawOutput.Load() {
		t.Error("second call missing function_call_output")
	}

	replies := sessionTexts(t, r, "s1", "assistant")
	if len(replies) == 0 || replies[len(replies)-1] != "Done listing." {
		t.Errorf("assistant replies = %v", replies)
	}
	if toolMsgs := sessionTexts(t, r, "s1", "tool"); len(toolMsgs) != 1 {
		t.Errorf("tool messages = %v", toolMsgs)
	}
}

func TestToolLoopBlockedPolicyStops(t *testing.T) {
	var calls int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "resp_1",
			"output": []map[string]interface{}{{
				"type":      "function_call",
				"name":      "device_api",
				"call_id":   "c1",
				"arguments": `{"action":"shell.exec","payload":{"cmd":"bash","args":["-c","id"]},"detail":"run a shell"}`,
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r, _ := newTestRuntime(t, srv.URL+"/v1/responses")

	item := protocol.InboxItem{
		Kind: protocol.ItemChat,
		ID:   "chat_1",
		Text: "run a bash command for me",
		Meta: map[string]interface{}{"session_id": "s1"},
	}
	if err := r.processItem(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("provider calls = %d, want 1 (blocked exit)", calls)
	}
	replies := sessionTexts(t, r, "s1", "assistant")
	last := replies[len(replies)-1]
	if !strings.Contains(last, "blocked by local policy/sandbox") {
		t.Errorf("blocked reply = %q", last)
	}
}

func TestPlannerLoopUnconfigured(t *testing.T) {
	r, _ := newTestRuntime(t, "")

	item := protocol.InboxItem{
		Kind: protocol.ItemChat,
		ID:   "chat_1",
		Text: "check python status",
		Meta: map[string]interface{}{"session_id": "s1"},
	}
	if err := r.processItem(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	replies := sessionTexts(t, r, "s1", "assistant")
	if len(replies) != 1 || !strings.Contains(replies[0], "Brain is not configured yet") {
		t.Errorf("replies = %v", replies)
	}
}

func TestPlannerLoopExecutesPlan(t *testing.T) {
	mux := http.NewServeMux()
	var calls int64
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		plan := `{"responses":["Checking."],"actions":[{"type":"tool_invoke","tool":"device_api","args":{"action":"python.status","payload":{},"detail":"Check Python worker status"}}]}`
		if n > 1 {
			plan = `{"responses":["Python worker is running."],"actions":[]}`
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": plan}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r, _ := newTestRuntime(t, srv.URL+"/v1/chat/completions")

	item := protocol.InboxItem{
		Kind: protocol.ItemChat,
		ID:   "chat_1",
		Text: "check python status",
		Meta: map[string]interface{}{"session_id": "s1"},
	}
	if err := r.processItem(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	replies := sessionTexts(t, r, "s1", "assistant")
	if len(replies) != 2 || replies[1] != "Python worker is running." {
		t.Errorf("replies = %v", replies)
	}
	if toolMsgs := sessionTexts(t, r, "s1", "tool"); len(toolMsgs) != 1 {
		t.Errorf("tool messages = %v", toolMsgs)
	}
}

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"strict", `{"responses":[],"actions":[]}`, true},
		{"prose wrapped", "Here is the plan:\n{\"responses\":[\"hi\"],\"actions\":[]}\nDone.", true},
		{"no object", "sorry, I cannot help", false},
		{"broken braces", "{this is not json}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseJSONObject(tt.raw)
			if (got != nil) != tt.ok {
				t.Errorf("parseJSONObject(%q) = %v", tt.raw, got)
			}
		})
	}
}

func TestHeuristicPlan(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantActions []string
	}{
		{"device status", "check the ssh status please", []string{"sshd.status", "python.status"}},
		{"restart python", "restart the python worker", []string{"python.restart"}},
		{"enable ssh", "enable ssh on the device", []string{"sshd.config"}},
		{"pin start", "start the ssh pin window", []string{"sshd.pin.start"}},
		{"memory read", "show me your memory", []string{"brain.memory.get"}},
		{"chitchat", "nice weather today", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := heuristicPlan(protocol.InboxItem{Text: tt.text})
			if len(plan.Actions) != len(tt.wantActions) {
				t.Fatalf("actions = %v, want %d", plan.Actions, len(tt.wantActions))
			}
			for i, want := range tt.wantActions {
				args := plan.Actions[i]["args"].(map[string]interface{})
				if args["action"] != want {
					t.Errorf("action[%d] = %v, want %s", i, args["action"], want)
				}
			}
		})
	}
}

func TestStatusSnapshot(t *testing.T) {
	r, _ := newTestRuntime(t, "")

	st := r.Status()
	if st.Running || st.Busy || st.QueueSize != 0 {
		t.Errorf("status = %+v", st)
	}

	if got := r.Start(); got != "started" {
		t.Errorf("start = %q", got)
	}
	if got := r.Start(); got != "already_running" {
		t.Errorf("second start = %q", got)
	}
	if !r.Status().Running {
		t.Error("not running after start")
	}
	if got := r.Stop(); got != "stopped" {
		t.Errorf("stop = %q", got)
	}
	if r.Status().Running {
		t.Error("still running after stop")
	}
	if r.Config().Enabled {
		t.Error("enabled flag survives stop")
	}
}
