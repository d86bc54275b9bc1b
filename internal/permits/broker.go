// Package permits implements the user-consent broker. Every privileged tool
// invocation acquires a grant here and the grant's status walks a one-way
// state machine: pending -> approved|denied, approved -> used (once-scoped)
// or expired (deadline passed).
package permits

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/methings/agentd/pkg/protocol"
	"github.com/methings/agentd/internal/store"
)

// Broker mediates permission grants. It is the only writer of the
// permissions table and is safe for concurrent use by the runtime worker
// and the API handlers.
type Broker struct {
	store store.Store
	log   *slog.Logger

	mu     sync.Mutex
	lastID int64 // last issued unix-ms id, bumped on collision
}

// New returns a Broker over the given store.
func New(s store.Store) *Broker {
	return &Broker{store: s, log: slog.With("component", "permits")}
}

// RequestOpts carries the optional parts of a grant request.
type RequestOpts struct {
	Capability  string
	Identity    string
	DurationMin int // session scope only; minutes until expiry
}

// Request creates a pending grant with a fresh opaque id.
func (b *Broker) Request(tool, detail, scope string, opts RequestOpts) (*protocol.Grant, error) {
	switch scope {
	case protocol.ScopeOnce, protocol.ScopeSession, protocol.ScopePersistent:
	default:
		scope = protocol.ScopeOnce
	}

	now := time.Now().UTC()
	g := &protocol.Grant{
		ID:        b.nextID(now),
		Tool:      tool,
		Detail:    detail,
		Scope:     scope,
		Status:    protocol.StatusPending,
		CreatedAt: now,
	}
	if scope == protocol.ScopeSession && opts.DurationMin > 0 {
		t := now.Add(time.Duration(opts.DurationMin) * time.Minute)
		g.ExpiresAt = &t
	}

	if err := b.store.CreatePermission(g); err != nil {
		return nil, err
	}
	b.log.Info("permission requested", "id", g.ID, "tool", tool, "scope", scope)
	return g, nil
}

func (b *Broker) nextID(now time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := now.UnixMilli()
	if ms <= b.lastID {
		ms = b.lastID + 1
	}
	b.lastID = ms
	return fmt.Sprintf("p_%d", ms)
}

// Get returns the grant, applying lazy expiry first: an approved or pending
// grant whose deadline has passed is transitioned to expired before being
// returned. Returns (nil, nil) when the id is unknown.
func (b *Broker) Get(id string) (*protocol.Grant, error) {
	g, err := b.store.GetPermission(id)
	if err != nil || g == nil {
		return g, err
	}
	if !g.Terminal() && g.ExpiresAt != nil && time.Now().After(*g.ExpiresAt) {
		if err := b.store.UpdatePermissionStatus(id, protocol.StatusExpired); err != nil {
			return nil, err
		}
		g.Status = protocol.StatusExpired
	}
	return g, nil
}

// Approve transitions pending -> approved. Re-approving an approved grant is
// a no-op; a terminal grant is never resurrected.
func (b *Broker) Approve(id string) (*protocol.Grant, error) {
	return b.resolve(id, protocol.StatusApproved)
}

// Deny transitions pending -> denied.
func (b *Broker) Deny(id string) (*protocol.Grant, error) {
	return b.resolve(id, protocol.StatusDenied)
}

func (b *Broker) resolve(id, status string) (*protocol.Grant, error) {
	g, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("permission %s: not found", id)
	}
	if g.Status == status {
		return g, nil
	}
	if g.Terminal() {
		return g, fmt.Errorf("permission %s: already %s", id, g.Status)
	}
	if err := b.store.UpdatePermissionStatus(id, status); err != nil {
		return nil, err
	}
	g.Status = status
	b.log.Info("permission resolved", "id", id, "status", status)
	return g, nil
}

// ConsumeOnce marks a once-scoped approved grant as used after a successful
// privileged operation. Other scopes are untouched.
func (b *Broker) ConsumeOnce(id string) error {
	g, err := b.Get(id)
	if err != nil || g == nil {
		return err
	}
	if g.Scope == protocol.ScopeOnce && g.Status == protocol.StatusApproved {
		return b.store.UpdatePermissionStatus(id, protocol.StatusUsed)
	}
	return nil
}

// ListPending returns grants still awaiting a decision.
func (b *Broker) ListPending() ([]protocol.Grant, error) {
	return b.store.ListPendingPermissions()
}

// Validate checks that the grant identified by id authorises expectedTool.
// On failure it returns the matching error kind plus the grant when one
// exists (so callers can surface it to the UI).
func (b *Broker) Validate(id, expectedTool string) (*protocol.Grant, string) {
	if id == "" {
		return nil, protocol.ErrPermissionRequired
	}
	g, err := b.Get(id)
	if err != nil || g == nil {
		return nil, protocol.ErrPermissionRequired
	}
	if expectedTool != "" && g.Tool != expectedTool {
		return g, protocol.ErrInvalidPermission
	}
	switch g.Status {
	case protocol.StatusApproved:
		return g, ""
	case protocol.StatusExpired:
		return g, protocol.ErrPermissionExpired
	default:
		return g, protocol.ErrPermissionNotApproved
	}
}
