package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/methings/agentd/pkg/protocol"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAbsolutePath(t *testing.T) {
	// Absolute paths contain slashes the migrator URL must pass through
	// unescaped; this is the path every real deployment uses.
	path := filepath.Join(t.TempDir(), "state", "agentd.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := s.AppendAudit("boot", nil); err != nil {
		t.Fatalf("write after open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening reruns the migrator against the existing file.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	events, err := s.RecentAudit(10)
	if err != nil || len(events) != 1 {
		t.Fatalf("events after reopen = %v, %v", events, err)
	}
}

func TestPermissionLifecycle(t *testing.T) {
	s := openTestStore(t)

	g := &protocol.Grant{
		ID:        "p_1",
		Tool:      "shell",
		Detail:    "run python",
		Scope:     protocol.ScopeOnce,
		Status:    protocol.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreatePermission(g); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingPermissions()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "p_1" {
		t.Fatalf("pending = %+v, want one p_1", pending)
	}

	if err := s.UpdatePermissionStatus("p_1", protocol.StatusApproved); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPermission("p_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != protocol.StatusApproved {
		t.Fatalf("got %+v, want approved", got)
	}

	missing, err := s.GetPermission("p_nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("missing permission = %+v, want nil", missing)
	}
}

func TestExpireOverduePermissions(t *testing.T) {
	s := openTestStore(t)

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	for _, g := range []*protocol.Grant{
		{ID: "p_old", Tool: "shell", Scope: "session", Status: "approved", ExpiresAt: &past, CreatedAt: past},
		{ID: "p_new", Tool: "shell", Scope: "session", Status: "approved", ExpiresAt: &future, CreatedAt: past},
	} {
		if err := s.CreatePermission(g); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ExpireOverduePermissions(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d rows, want 1", n)
	}
	got, _ := s.GetPermission("p_old")
	if got.Status != protocol.StatusExpired {
		t.Errorf("p_old status = %s, want expired", got.Status)
	}
	got, _ = s.GetPermission("p_new")
	if got.Status != protocol.StatusApproved {
		t.Errorf("p_new status = %s, want approved", got.Status)
	}
}

func TestCredentialsRoundtrip(t *testing.T) {
	s := openTestStore(t)

	if v, _ := s.GetCredential("openai_api_key"); v != "" {
		t.Fatalf("unset credential = %q, want empty", v)
	}
	if err := s.SetCredential("openai_api_key", "sk-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCredential("openai_api_key", "sk-2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetCredential("openai_api_key"); v != "sk-2" {
		t.Fatalf("credential = %q, want sk-2", v)
	}
	if err := s.DeleteCredential("openai_api_key"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetCredential("openai_api_key"); v != "" {
		t.Fatalf("deleted credential = %q, want empty", v)
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetSetting("brain_config", `{"enabled":true}`); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("brain_config", `{"enabled":false}`); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetSetting("brain_config")
	if err != nil {
		t.Fatal(err)
	}
	if v != `{"enabled":false}` {
		t.Fatalf("setting = %q", v)
	}
}

func TestChatOrderingAndTail(t *testing.T) {
	s := openTestStore(t)

	for _, text := range []string{"one", "two", "three", "four"} {
		if _, err := s.AppendChat("sess", "user", text, nil); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListChat("sess", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text != "three" || msgs[1].Text != "four" {
		t.Fatalf("tail = %+v, want [three four]", msgs)
	}
}

func TestChatPerSessionRetention(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < chatPerSessionCap+25; i++ {
		if _, err := s.AppendChat("sess", "user", "m", nil); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.ListChat("sess", chatPerSessionCap*2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != chatPerSessionCap {
		t.Fatalf("retained %d rows, want %d", len(msgs), chatPerSessionCap)
	}
}

func TestTrimChatCoversAllSessions(t *testing.T) {
	s := openTestStore(t)

	// More sessions than the default ListSessions page, so the sweep must
	// not rely on a recent-sessions query to find its targets.
	const sessions = 55
	for i := 0; i < sessions; i++ {
		sid := fmt.Sprintf("s%02d", i)
		for j := 0; j < 3; j++ {
			if _, err := s.AppendChat(sid, "user", "m", nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	n, err := s.TrimChat(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != sessions {
		t.Errorf("trimmed %d rows, want %d", n, sessions)
	}

	// The oldest session sits well outside any recent-session window.
	msgs, err := s.ListChat("s00", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("s00 retained %d rows, want 2", len(msgs))
	}
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)

	s.AppendChat("a", "user", "hi", nil)
	s.AppendChat("a", "assistant", "hello", nil)
	s.AppendChat("b", "user", "yo", nil)

	sessions, err := s.ListSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %+v, want 2", sessions)
	}
	if sessions[0].SessionID != "b" {
		t.Errorf("most recent session = %s, want b", sessions[0].SessionID)
	}
	for _, info := range sessions {
		if info.SessionID == "a" && info.Count != 2 {
			t.Errorf("session a count = %d, want 2", info.Count)
		}
	}
}

func TestAuditRoundtrip(t *testing.T) {
	s := openTestStore(t)

	ev, err := s.AppendAudit("tool_invoked", map[string]interface{}{"tool": "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 {
		t.Fatal("audit id not assigned")
	}

	events, err := s.RecentAudit(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Event != "tool_invoked" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Data["tool"] != "shell" {
		t.Errorf("data = %+v", events[0].Data)
	}
}
