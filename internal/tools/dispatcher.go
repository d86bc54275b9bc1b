package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/pkg/protocol"
)

// Dispatcher routes invocations to the closed tool set, gating every call on
// a grant unless the tool runs its own consent flow.
type Dispatcher struct {
	registry *Registry
	broker   *permits.Broker
	store    store.Store
	log      *slog.Logger
}

// NewDispatcher returns a dispatcher over the registry, broker and store.
func NewDispatcher(registry *Registry, broker *permits.Broker, s store.Store) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		broker:   broker,
		store:    s,
		log:      slog.With("component", "dispatcher"),
	}
}

// Registry exposes the underlying tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Invoke runs the named tool. Without a permission id the call does not run:
// a pending grant is created and returned so the caller can prompt the user
// and retry with its id. Tools that manage their own permissions skip the
// broker entirely.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]interface{}, permissionID, detail string) *protocol.ToolResult {
	tool, ok := d.registry.Get(name)
	if !ok {
		return Errf(protocol.ErrUnknownTool, name)
	}

	if tool.ManagesPermissions() {
		res := tool.Execute(ctx, args)
		d.audit(name, res)
		return res
	}

	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		if detail == "" {
			detail = invokeDetail(name, args)
		}
		g, err := d.broker.Request(name, detail, protocol.ScopeOnce, permits.RequestOpts{})
		if err != nil {
			d.log.Error("permission request failed", "tool", name, "error", err)
			return Errf(protocol.ErrUpstreamError, err.Error())
		}
		return PermissionRequired(g)
	}

	g, kind := d.broker.Validate(permissionID, name)
	if kind != "" {
		if kind == protocol.ErrPermissionExpired {
			return PermissionExpired(g)
		}
		res := Errf(kind, "")
		res.Request = g
		return res
	}

	res := tool.Execute(ctx, args)
	if res.Status == protocol.ResultOK {
		if err := d.broker.ConsumeOnce(permissionID); err != nil {
			d.log.Warn("consume once failed", "id", permissionID, "error", err)
		}
	}
	d.audit(name, res)
	return res
}

func (d *Dispatcher) audit(name string, res *protocol.ToolResult) {
	_, err := d.store.AppendAudit(protocol.EventToolInvoked, map[string]interface{}{
		"tool":   name,
		"result": res.ToMap(),
	})
	if err != nil {
		d.log.Warn("audit append failed", "error", err)
	}
}

func invokeDetail(name string, args map[string]interface{}) string {
	raw, _ := json.Marshal(args)
	s := string(raw)
	if len(s) > 240 {
		s = s[:240]
	}
	return name + ": " + s
}
