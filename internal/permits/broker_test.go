package permits

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/pkg/protocol"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestRequestApproveConsume(t *testing.T) {
	b := newTestBroker(t)

	g, err := b.Request("shell", "run python", protocol.ScopeOnce, RequestOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != protocol.StatusPending {
		t.Fatalf("status = %s, want pending", g.Status)
	}

	if _, err := b.Approve(g.ID); err != nil {
		t.Fatal(err)
	}
	// Re-approving is a no-op.
	if _, err := b.Approve(g.ID); err != nil {
		t.Fatalf("re-approve: %v", err)
	}

	got, kind := b.Validate(g.ID, "shell")
	if kind != "" || got.Status != protocol.StatusApproved {
		t.Fatalf("validate = (%+v, %q)", got, kind)
	}

	if err := b.ConsumeOnce(g.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = b.Get(g.ID)
	if got.Status != protocol.StatusUsed {
		t.Fatalf("status = %s, want used", got.Status)
	}

	// Terminal grants never resurrect.
	if _, err := b.Approve(g.ID); err == nil {
		t.Fatal("approve of used grant should error")
	}
}

func TestDenyIsTerminal(t *testing.T) {
	b := newTestBroker(t)

	g, _ := b.Request("filesystem", "read files", protocol.ScopeSession, RequestOpts{})
	if _, err := b.Deny(g.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Approve(g.ID); err == nil {
		t.Fatal("approve of denied grant should error")
	}
	_, kind := b.Validate(g.ID, "filesystem")
	if kind != protocol.ErrPermissionNotApproved {
		t.Fatalf("kind = %q, want permission_not_approved", kind)
	}
}

func TestSessionDurationExpiry(t *testing.T) {
	b := newTestBroker(t)

	g, err := b.Request("device.camera", "capture", protocol.ScopeSession, RequestOpts{DurationMin: 30})
	if err != nil {
		t.Fatal(err)
	}
	if g.ExpiresAt == nil {
		t.Fatal("session grant with duration has no expires_at")
	}
	want := time.Now().Add(30 * time.Minute)
	if d := g.ExpiresAt.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("expires_at off by %v", d)
	}
}

func TestLazyExpiry(t *testing.T) {
	b := newTestBroker(t)

	g, _ := b.Request("device.usb", "raw access", protocol.ScopeSession, RequestOpts{})
	if _, err := b.Approve(g.ID); err != nil {
		t.Fatal(err)
	}
	// Force the deadline into the past behind the broker's back.
	past := time.Now().Add(-time.Minute).UTC()
	g.ExpiresAt = &past
	if err := b.store.UpdatePermissionStatus(g.ID, protocol.StatusApproved); err != nil {
		t.Fatal(err)
	}
	if _, err := b.store.ExpireOverduePermissions(time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, _ := b.Get(g.ID)
	if got.Status != protocol.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	_, kind := b.Validate(g.ID, "device.usb")
	if kind != protocol.ErrPermissionExpired {
		t.Fatalf("kind = %q, want permission_expired", kind)
	}
}

func TestValidateKinds(t *testing.T) {
	b := newTestBroker(t)

	g, _ := b.Request("shell", "", protocol.ScopeOnce, RequestOpts{})

	tests := []struct {
		name string
		id   string
		tool string
		want string
	}{
		{"missing id", "", "shell", protocol.ErrPermissionRequired},
		{"unknown id", "p_0", "shell", protocol.ErrPermissionRequired},
		{"wrong tool", g.ID, "filesystem", protocol.ErrInvalidPermission},
		{"not approved", g.ID, "shell", protocol.ErrPermissionNotApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, kind := b.Validate(tt.id, tt.tool); kind != tt.want {
				t.Errorf("Validate(%q, %q) = %q, want %q", tt.id, tt.tool, kind, tt.want)
			}
		})
	}
}

func TestIDsAreUnique(t *testing.T) {
	b := newTestBroker(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		g, err := b.Request("shell", "", protocol.ScopeOnce, RequestOpts{})
		if err != nil {
			t.Fatal(err)
		}
		if seen[g.ID] {
			t.Fatalf("duplicate id %s", g.ID)
		}
		seen[g.ID] = true
	}
}
