package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/methings/agentd/internal/brain"
	"github.com/methings/agentd/internal/bus"
	"github.com/methings/agentd/internal/config"
	"github.com/methings/agentd/internal/journal"
	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/internal/tools"
	"github.com/methings/agentd/pkg/protocol"
)

type testEnv struct {
	base    string
	store   store.Store
	broker  *permits.Broker
	journal *journal.Journal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	raw, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	events := bus.New()
	s := store.WithEvents(raw, func(e protocol.AuditEvent) {
		events.Broadcast(bus.Event{Name: e.Event, Payload: e})
	})

	broker := permits.New(s)
	jrnl := journal.New(s)

	root, err := tools.NewUserRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	reg.Register(tools.NewFilesystemTool(root))
	dispatcher := tools.NewDispatcher(reg, broker, s)

	rt := brain.New(brain.Deps{
		Store:   s,
		Journal: jrnl,
		Broker:  broker,
		Client:  providers.NewClient(),
		FS:      tools.NewFilesystemTool(root),
		Shell:   tools.NewShellTool(root),
		Device:  tools.NewDeviceAPITool("http://127.0.0.1:1", "default"),
		Cloud:   tools.NewCloudRequestTool("http://127.0.0.1:1", "default"),
		Search:  tools.NewWebSearcher(),
	})

	srv := NewServer(Deps{
		Config:     config.Default(),
		Store:      s,
		Broker:     broker,
		Dispatcher: dispatcher,
		Journal:    jrnl,
		Brain:      rt,
		Events:     events,
	})
	base, stop := srv.StartTestServer()
	t.Cleanup(stop)

	return &testEnv{base: base, store: s, broker: broker, journal: jrnl}
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) getJSON(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(e.base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.getJSON(t, "/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %+v", resp.StatusCode, body)
	}
	db := body["db"].(map[string]interface{})
	if db["encrypted"] != false || db["mode"] != "plaintext" {
		t.Errorf("db = %+v", db)
	}
}

func TestPermissionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, grant := env.postJSON(t, "/permissions/request", map[string]interface{}{
		"tool": "shell", "detail": "shell: python -V", "scope": "once",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request: %d %+v", resp.StatusCode, grant)
	}
	id, _ := grant["id"].(string)
	if !strings.HasPrefix(id, "p_") || grant["status"] != "pending" {
		t.Fatalf("grant = %+v", grant)
	}

	_, pending := env.getJSON(t, "/permissions/pending")
	if rows := pending["pending"].([]interface{}); len(rows) != 1 {
		t.Errorf("pending = %+v", rows)
	}

	resp, approved := env.postJSON(t, "/permissions/"+id+"/approve", map[string]interface{}{})
	if resp.StatusCode != http.StatusOK || approved["status"] != "approved" {
		t.Fatalf("approve: %d %+v", resp.StatusCode, approved)
	}

	// Denying an approved grant conflicts.
	resp, _ = env.postJSON(t, "/permissions/"+id+"/deny", map[string]interface{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("deny after approve: %d", resp.StatusCode)
	}

	resp, got := env.getJSON(t, "/permissions/"+id)
	if resp.StatusCode != http.StatusOK || got["status"] != "approved" {
		t.Errorf("get: %d %+v", resp.StatusCode, got)
	}

	resp, _ = env.getJSON(t, "/permissions/p_404404")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing grant: %d", resp.StatusCode)
	}
}

func TestToolInvokePermissionFlow(t *testing.T) {
	env := newTestEnv(t)
	args := map[string]interface{}{"op": "write_file", "path": "a.txt", "content": "x"}

	resp, body := env.postJSON(t, "/tools/filesystem/invoke", map[string]interface{}{"args": args})
	if resp.StatusCode != http.StatusForbidden || body["status"] != "permission_required" {
		t.Fatalf("gated invoke: %d %+v", resp.StatusCode, body)
	}
	req := body["request"].(map[string]interface{})
	pid := req["id"].(string)

	if _, err := env.broker.Approve(pid); err != nil {
		t.Fatal(err)
	}

	resp, body = env.postJSON(t, "/tools/filesystem/invoke", map[string]interface{}{
		"request_id": pid, "args": args,
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("approved invoke: %d %+v", resp.StatusCode, body)
	}

	_, audit := env.getJSON(t, "/audit/recent?limit=20")
	found := false
	for _, v := range audit["events"].([]interface{}) {
		if e, ok := v.(map[string]interface{}); ok && e["event"] == protocol.EventToolInvoked {
			found = true
		}
	}
	if !found {
		t.Error("tool_invoked audit event missing")
	}
}

func TestInboxChat(t *testing.T) {
	env := newTestEnv(t)

	resp, item := env.postJSON(t, "/brain/inbox/chat", map[string]interface{}{
		"text": "hello", "meta": map[string]interface{}{"session_id": "s1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inbox chat: %d %+v", resp.StatusCode, item)
	}
	if id, _ := item["id"].(string); !strings.HasPrefix(id, "chat_") {
		t.Errorf("item = %+v", item)
	}

	// Legacy chat-completions shape: last user message becomes the text.
	resp, item = env.postJSON(t, "/brain/inbox/chat", map[string]interface{}{
		"messages": []map[string]interface{}{
			{"role": "system", "content": "ignored"},
			{"role": "user", "content": "first"},
			{"role": "user", "content": "second"},
		},
	})
	if resp.StatusCode != http.StatusOK || item["text"] != "second" {
		t.Errorf("legacy inbox: %d %+v", resp.StatusCode, item)
	}

	resp, _ = env.postJSON(t, "/brain/inbox/chat", map[string]interface{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text: %d", resp.StatusCode)
	}
}

func TestBrainConfigEndpoints(t *testing.T) {
	env := newTestEnv(t)

	_, cfg := env.getJSON(t, "/brain/config")
	if cfg["provider_url"] == "" {
		t.Fatalf("config = %+v", cfg)
	}

	_, patched := env.postJSON(t, "/brain/config", map[string]interface{}{
		"model": "gpt-test", "bogus_key": "x",
	})
	if patched["model"] != "gpt-test" {
		t.Errorf("patched = %+v", patched)
	}
	if _, ok := patched["bogus_key"]; ok {
		t.Error("unknown key leaked into config")
	}

	_, status := env.getJSON(t, "/brain/status")
	if status["running"] != false {
		t.Errorf("status = %+v", status)
	}
}

func TestBrainMessagesAndSessions(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.journal.Append("s1", "user", "hello", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.journal.Append("s2", "user", "yo", nil); err != nil {
		t.Fatal(err)
	}

	_, body := env.getJSON(t, "/brain/messages?session_id=s1")
	msgs := body["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}

	_, body = env.getJSON(t, "/brain/sessions")
	if sessions := body["sessions"].([]interface{}); len(sessions) != 2 {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestLogsStreamSSE(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", env.base+"/logs/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Publish until the subscriber sees a frame; subscription setup races
	// with the first append.
	go func() {
		for i := 0; i < 40; i++ {
			env.store.AppendAudit("stream_probe", map[string]interface{}{"i": i})
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		if ev.Name != "stream_probe" {
			t.Errorf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("no SSE frame received: %v", scanner.Err())
}
