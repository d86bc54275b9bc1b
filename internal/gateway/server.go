// Package gateway serves the local HTTP API: permissions, tool invocation,
// the audit stream and the brain runtime surface. Loopback only by default;
// an optional tsnet listener can expose it on a tailnet.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/methings/agentd/internal/brain"
	"github.com/methings/agentd/internal/bus"
	"github.com/methings/agentd/internal/config"
	"github.com/methings/agentd/internal/journal"
	"github.com/methings/agentd/internal/permits"
	"github.com/methings/agentd/internal/store"
	"github.com/methings/agentd/internal/tools"
)

// Deps carries the server's collaborators.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Broker     *permits.Broker
	Dispatcher *tools.Dispatcher
	Journal    *journal.Journal
	Brain      *brain.Runtime
	Events     bus.EventPublisher
}

// Server is the local HTTP API server.
type Server struct {
	cfg        *config.Config
	store      store.Store
	broker     *permits.Broker
	dispatcher *tools.Dispatcher
	journal    *journal.Journal
	brain      *brain.Runtime
	events     bus.EventPublisher
	log        *slog.Logger

	invokeLimiter *rate.Limiter

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer returns an unstarted server.
func NewServer(d Deps) *Server {
	rpm := d.Config.Gateway.RateLimitRPM
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return &Server{
		cfg:           d.Config,
		store:         d.Store,
		broker:        d.Broker,
		dispatcher:    d.Dispatcher,
		journal:       d.Journal,
		brain:         d.Brain,
		events:        d.Events,
		log:           slog.With("component", "gateway"),
		invokeLimiter: limiter,
	}
}

// BuildMux registers all routes and caches the mux so additional listeners
// (tests, tsnet) can share it.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /permissions/request", s.handlePermissionRequest)
	mux.HandleFunc("GET /permissions/pending", s.handlePermissionPending)
	mux.HandleFunc("POST /permissions/{id}/approve", s.handlePermissionApprove)
	mux.HandleFunc("POST /permissions/{id}/deny", s.handlePermissionDeny)
	mux.HandleFunc("GET /permissions/{id}", s.handlePermissionGet)

	mux.HandleFunc("POST /tools/{name}/invoke", s.handleToolInvoke)

	mux.HandleFunc("GET /logs/stream", s.handleLogsStream)
	mux.HandleFunc("GET /logs/ws", s.handleLogsWS)
	mux.HandleFunc("GET /audit/recent", s.handleAuditRecent)

	mux.HandleFunc("GET /brain/status", s.handleBrainStatus)
	mux.HandleFunc("GET /brain/config", s.handleBrainConfigGet)
	mux.HandleFunc("POST /brain/config", s.handleBrainConfigPatch)
	mux.HandleFunc("POST /brain/start", s.handleBrainStart)
	mux.HandleFunc("POST /brain/stop", s.handleBrainStop)
	mux.HandleFunc("POST /brain/inbox/chat", s.handleInboxChat)
	mux.HandleFunc("POST /brain/inbox/event", s.handleInboxEvent)
	mux.HandleFunc("GET /brain/messages", s.handleBrainMessages)
	mux.HandleFunc("GET /brain/sessions", s.handleBrainSessions)

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully. The
// loopback listener and the optional tailnet listener run under one group.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.httpServer = &http.Server{Handler: mux}
	s.log.Info("gateway starting", "addr", addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	})

	if extra, err := s.tailnetListener(); err != nil {
		s.log.Warn("tailnet listener unavailable", "error", err)
	} else if extra != nil {
		s.log.Info("tailnet listener up", "addr", extra.Addr().String())
		g.Go(func() error {
			if err := s.httpServer.Serve(extra); err != http.ErrServerClosed {
				return fmt.Errorf("tailnet serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// StartTestServer binds 127.0.0.1:0 and returns the base URL plus a stop
// function. Used by end-to-end tests.
func (s *Server) StartTestServer() (string, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	go s.httpServer.Serve(ln)

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	return "http://" + ln.Addr().String(), stop
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	enc := s.store.EncryptionStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"db": map[string]interface{}{
			"encrypted": enc.Encrypted,
			"mode":      enc.Mode,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func readJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
