package tools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/pkg/protocol"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *permits.Broker, store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	broker := permits.New(s)
	reg := NewRegistry()
	reg.Register(NewFilesystemTool(newTestRoot(t)))

	return NewDispatcher(reg, broker, s), broker, s
}

func TestDispatcherUnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	res := d.Invoke(context.Background(), "teleport", nil, "", "")
	if res.Status != protocol.ResultError || res.Error != protocol.ErrUnknownTool {
		t.Fatalf("result: %+v", res)
	}
}

func TestDispatcherPermissionFlow(t *testing.T) {
	d, broker, s := newTestDispatcher(t)
	ctx := context.Background()
	args := map[string]interface{}{"op": "write_file", "path": "a.txt", "content": "x"}

	// No permission id: a pending grant comes back, nothing runs.
	res := d.Invoke(ctx, "filesystem", args, "", "")
	if res.Status != protocol.ResultPermissionRequired {
		t.Fatalf("status = %s, want permission_required", res.Status)
	}
	if res.Request == nil || res.Request.Status != protocol.StatusPending {
		t.Fatalf("request = %+v", res.Request)
	}
	pid := res.Request.ID

	// Still pending: refused.
	res = d.Invoke(ctx, "filesystem", args, pid, "")
	if res.Error != protocol.ErrPermissionNotApproved {
		t.Fatalf("pending invoke error = %q", res.Error)
	}

	// Approved: runs, and the once-scoped grant burns to used.
	if _, err := broker.Approve(pid); err != nil {
		t.Fatal(err)
	}
	res = d.Invoke(ctx, "filesystem", args, pid, "")
	if res.Status != protocol.ResultOK {
		t.Fatalf("approved invoke: %+v", res)
	}
	g, err := broker.Get(pid)
	if err != nil || g == nil || g.Status != protocol.StatusUsed {
		t.Fatalf("grant after use = %+v, err %v", g, err)
	}

	// Used is terminal: the replay is refused.
	res = d.Invoke(ctx, "filesystem", args, pid, "")
	if res.Error != protocol.ErrPermissionNotApproved {
		t.Fatalf("replay error = %q", res.Error)
	}

	// The successful run left an audit row.
	events, err := s.RecentAudit(10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.Event == protocol.EventToolInvoked && e.Data["tool"] == "filesystem" {
			found = true
		}
	}
	if !found {
		t.Error("tool_invoked audit event missing")
	}
}

func TestDispatcherWrongToolGrant(t *testing.T) {
	d, broker, _ := newTestDispatcher(t)

	g, err := broker.Request("shell", "shell: ls", protocol.ScopeOnce, permits.RequestOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := broker.Approve(g.ID); err != nil {
		t.Fatal(err)
	}

	res := d.Invoke(context.Background(), "filesystem", map[string]interface{}{"op": "list_dir", "path": "."}, g.ID, "")
	if res.Error != protocol.ErrInvalidPermission {
		t.Fatalf("error = %q, want invalid_permission", res.Error)
	}
}

func TestDispatcherManagedToolPassthrough(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, devTool := newFakePeer(t, true)
	d.Registry().Register(devTool)

	res := d.Invoke(context.Background(), "device_api", map[string]interface{}{"action": "python.status"}, "", "")
	if res.Status != protocol.ResultOK {
		t.Fatalf("managed tool result: %+v", res)
	}
}
