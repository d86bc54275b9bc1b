// Package brain implements the autonomous runtime: a bounded inbox drained
// by a single worker that turns chat and event items into model calls and
// tool executions.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/methings/agentd/internal/journal"
	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/internal/tools"
	"github.com/methings/agentd/pkg/protocol"
)

const inboxCapacity = 128

// Deps carries the runtime's collaborators.
type Deps struct {
	Store   store.Store
	Journal *journal.Journal
	Broker  *permits.Broker
	Client  *providers.Client
	FS      *tools.FilesystemTool
	// FSApp is the widened root used when fs_scope is "app". Optional; the
	// runtime falls back to FS when nil.
	FSApp *tools.FilesystemTool
	Shell *tools.ShellTool
	Device  *tools.DeviceAPITool
	Cloud   *tools.CloudRequestTool
	Search  *tools.WebSearcher
}

// Runtime drains the inbox with a single worker goroutine. One item is
// processed at a time; everything else queues.
type Runtime struct {
	store   store.Store
	journal *journal.Journal
	broker  *permits.Broker
	client  *providers.Client
	fs      *tools.FilesystemTool
	fsApp   *tools.FilesystemTool
	shell   *tools.ShellTool
	device  *tools.DeviceAPITool
	cloud   *tools.CloudRequestTool
	search  *tools.WebSearcher
	log     *slog.Logger
	tracer  trace.Tracer

	mu              sync.Mutex
	cfg             Config
	inbox           chan protocol.InboxItem
	stop            chan struct{}
	done            chan struct{}
	running         bool
	busy            bool
	lastError       string
	lastProcessedAt int64
	lastItemID      int64

	// capability -> permission id, for tools the runtime gates itself.
	capabilityGrants map[string]string
}

// New returns a stopped runtime with its persisted config loaded.
func New(d Deps) *Runtime {
	return &Runtime{
		store:            d.Store,
		journal:          d.Journal,
		broker:           d.Broker,
		client:           d.Client,
		fs:               d.FS,
		fsApp:            d.FSApp,
		shell:            d.Shell,
		device:           d.Device,
		cloud:            d.Cloud,
		search:           d.Search,
		log:              slog.With("component", "brain"),
		tracer:           otel.Tracer("agentd/brain"),
		cfg:              LoadConfig(d.Store),
		inbox:            make(chan protocol.InboxItem, inboxCapacity),
		capabilityGrants: map[string]string{},
	}
}

// Config returns a copy of the current configuration.
func (r *Runtime) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// UpdateConfig applies the known keys of patch, persists, and returns the
// resulting config.
func (r *Runtime) UpdateConfig(patch map[string]interface{}) Config {
	r.mu.Lock()
	cfg, applied := ApplyPatch(r.cfg, patch)
	r.cfg = cfg
	if err := SaveConfig(r.store, cfg); err != nil {
		r.log.Warn("config save failed", "error", err)
	}
	r.mu.Unlock()
	if len(applied) > 0 {
		r.emit("brain_config_updated", map[string]interface{}{"keys": applied})
	}
	return cfg
}

// Start launches the worker. Starting an already-running runtime is a no-op
// reported as such.
func (r *Runtime) Start() string {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return "already_running"
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.cfg.Enabled = true
	if err := SaveConfig(r.store, r.cfg); err != nil {
		r.log.Warn("config save failed", "error", err)
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go r.run(stop, done)
	r.emit(protocol.EventBrainStarted, map[string]interface{}{})
	return "started"
}

// Stop disables and halts the worker, waiting briefly for the current item.
func (r *Runtime) Stop() string {
	r.mu.Lock()
	r.cfg.Enabled = false
	if err := SaveConfig(r.store, r.cfg); err != nil {
		r.log.Warn("config save failed", "error", err)
	}
	var done chan struct{}
	if r.running {
		close(r.stop)
		done = r.done
		r.running = false
	}
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			r.log.Warn("worker did not stop in time")
		}
	}
	r.emit(protocol.EventBrainStopped, map[string]interface{}{})
	return "stopped"
}

// Shutdown halts the worker without touching the persisted enable flag, so a
// restart resumes where Stop would have disabled.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	var done chan struct{}
	if r.running {
		close(r.stop)
		done = r.done
		r.running = false
	}
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			r.log.Warn("worker did not stop in time")
		}
	}
}

// MaybeAutostart starts the worker when the persisted config wants it on.
func (r *Runtime) MaybeAutostart() {
	cfg := r.Config()
	if cfg.Enabled || cfg.AutoStart {
		r.Start()
	}
}

// Status returns the live status snapshot.
func (r *Runtime) Status() protocol.BrainStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := protocol.BrainStatus{
		Running:     r.running,
		Enabled:     r.cfg.Enabled,
		Busy:        r.busy,
		QueueSize:   len(r.inbox),
		LastError:   r.lastError,
		Model:       r.cfg.Model,
		ProviderURL: r.cfg.ProviderURL,
	}
	if r.lastProcessedAt > 0 {
		ts := r.lastProcessedAt
		st.LastProcessedAt = &ts
	}
	return st
}

// EnqueueChat queues one chat item. The inbox never blocks the caller; a
// full inbox is an error the API surfaces as backpressure.
func (r *Runtime) EnqueueChat(text string, meta map[string]interface{}) (protocol.InboxItem, error) {
	item := protocol.InboxItem{
		Kind:      protocol.ItemChat,
		ID:        r.nextItemID("chat"),
		Text:      text,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.enqueue(item); err != nil {
		return protocol.InboxItem{}, err
	}
	r.emit("brain_inbox_chat", map[string]interface{}{"id": item.ID})
	return item, nil
}

// EnqueueEvent queues one event item.
func (r *Runtime) EnqueueEvent(name string, payload map[string]interface{}) (protocol.InboxItem, error) {
	if strings.TrimSpace(name) == "" {
		name = "unnamed_event"
	}
	item := protocol.InboxItem{
		Kind:      protocol.ItemEvent,
		ID:        r.nextItemID("event"),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.enqueue(item); err != nil {
		return protocol.InboxItem{}, err
	}
	r.emit("brain_inbox_event", map[string]interface{}{"id": item.ID, "name": name})
	return item, nil
}

func (r *Runtime) enqueue(item protocol.InboxItem) error {
	select {
	case r.inbox <- item:
		return nil
	default:
		return fmt.Errorf("inbox full (%d items)", inboxCapacity)
	}
}

func (r *Runtime) nextItemID(kind string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := time.Now().UnixMilli()
	if ms <= r.lastItemID {
		ms = r.lastItemID + 1
	}
	r.lastItemID = ms
	return fmt.Sprintf("%s_%d", kind, ms)
}

func (r *Runtime) run(stop, done chan struct{}) {
	defer close(done)
	for {
		// Waking on idle_sleep_ms keeps the wait bounded and picks up
		// config changes between items.
		idle := time.Duration(r.Config().idleSleepMS()) * time.Millisecond
		select {
		case <-stop:
			return
		case <-time.After(idle):
		case item := <-r.inbox:
			r.mu.Lock()
			r.busy = true
			r.lastError = ""
			r.mu.Unlock()

			err := r.processItemTraced(item)

			r.mu.Lock()
			r.busy = false
			if err != nil {
				r.lastError = err.Error()
			} else {
				r.lastProcessedAt = time.Now().UnixMilli()
			}
			r.mu.Unlock()

			if err != nil {
				r.failItem(item, err)
			}
		}
	}
}

func (r *Runtime) processItemTraced(item protocol.InboxItem) error {
	ctx, span := r.tracer.Start(context.Background(), "brain.process_item",
		trace.WithAttributes(
			attribute.String("item.id", item.ID),
			attribute.String("item.kind", item.Kind),
		))
	defer span.End()

	err := r.processItem(ctx, item)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// failItem surfaces a processing failure into the chat timeline so the UI is
// never stuck waiting.
func (r *Runtime) failItem(item protocol.InboxItem, err error) {
	msg := err.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	if strings.Contains(msg, "401") {
		msg = "Unauthorized (401). Check your API key in Settings."
	}
	r.recordMessage("assistant", "Error: "+msg, map[string]interface{}{
		"item_id":    item.ID,
		"session_id": r.sessionIDForItem(item),
		"error":      "brain_item_failed",
	})
	r.emit(protocol.EventBrainItemFailed, map[string]interface{}{"id": item.ID, "error": err.Error()})
}

func (r *Runtime) sessionIDForItem(item protocol.InboxItem) string {
	sid := ""
	if item.Meta != nil {
		if v, ok := item.Meta["session_id"].(string); ok {
			sid = v
		}
	}
	return journal.SanitizeSessionID(sid)
}

// recordMessage writes one timeline row with an explicit actor tag.
func (r *Runtime) recordMessage(role, text string, meta map[string]interface{}) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if actor, _ := meta["actor"].(string); strings.TrimSpace(actor) == "" {
		switch role {
		case "user":
			meta["actor"] = protocol.ActorHuman
		case "assistant":
			meta["actor"] = protocol.ActorAgent
		case "tool":
			meta["actor"] = protocol.ActorTool
		default:
			meta["actor"] = protocol.ActorSystem
		}
	}
	sid, _ := meta["session_id"].(string)
	if _, err := r.journal.Append(sid, role, text, meta); err != nil {
		r.log.Warn("chat append failed", "error", err)
	}
}

func (r *Runtime) emit(event string, data map[string]interface{}) {
	if _, err := r.store.AppendAudit(event, data); err != nil {
		r.log.Warn("audit append failed", "event", event, "error", err)
	}
}

func (r *Runtime) processItem(ctx context.Context, item protocol.InboxItem) error {
	r.emit("brain_item_started", map[string]interface{}{"id": item.ID, "kind": item.Kind})

	if item.Kind == protocol.ItemChat {
		sid := r.sessionIDForItem(item)
		changed := r.journal.UpdateNotes(sid, item.Text)

		msgMeta := map[string]interface{}{"item_id": item.ID, "session_id": sid}
		for _, k := range []string{"actor", "debug", "source", "tag"} {
			if v, ok := item.Meta[k]; ok {
				msgMeta[k] = v
			}
		}
		r.recordMessage("user", item.Text, msgMeta)

		// Simple session-memory cases are answered locally: no model call,
		// no permissions.
		if !needsToolForText(item.Text) && r.answerFromSessionNotes(item, sid, changed) {
			return nil
		}
	}

	cfg := r.Config()
	if cfg.usesResponsesProtocol() {
		if err := r.runToolLoop(ctx, item); err != nil {
			return err
		}
		r.emit("brain_item_done", map[string]interface{}{"id": item.ID, "actions": "tool_loop"})
		return nil
	}
	return r.runPlannerLoop(ctx, item)
}

// answerFromSessionNotes handles note acknowledgements and recall without
// any model round-trip. Returns true when a reply was posted.
func (r *Runtime) answerFromSessionNotes(item protocol.InboxItem, sid string, changed map[string]string) bool {
	lower := strings.ToLower(strings.TrimSpace(item.Text))
	meta := map[string]interface{}{"item_id": item.ID, "session_id": sid}

	if len(changed) > 0 && !strings.Contains(item.Text, "?") &&
		!containsAny(lower, "save", "persist", "store") {
		if v, ok := changed["favorite_color"]; ok {
			r.recordMessage("assistant",
				fmt.Sprintf("Got it. For this session, I'll remember your favorite color is %s.", v), meta)
			r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": "session_note_ack"})
			return true
		}
		if v, ok := changed["name"]; ok {
			r.recordMessage("assistant",
				fmt.Sprintf("Got it. For this session, I'll remember your name is %s.", v), meta)
			r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": "session_note_ack"})
			return true
		}
	}

	if strings.Contains(lower, "favorite color") || strings.Contains(item.Text, "好きな色") {
		if fav := r.journal.Notes(sid)["favorite_color"]; fav != "" {
			r.recordMessage("assistant",
				fmt.Sprintf("Your favorite color (in this session) is %s.", fav), meta)
			r.emit(protocol.EventBrainResponse, map[string]interface{}{"item_id": item.ID, "text": "session_note_answer"})
			return true
		}
	}
	return false
}
