package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/methings/agentd/internal/bus"
)

// handleLogsStream serves the audit stream as Server-Sent Events, one
// `data: {json}` frame per event.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := "sse_" + uuid.NewString()
	events := make(chan bus.Event, 16)
	s.events.Subscribe(clientID, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(clientID)
	s.log.Debug("sse client connected", "id", clientID)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleLogsWS mirrors the SSE stream over a websocket for clients that keep
// a duplex connection open.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	clientID := "ws_" + uuid.NewString()
	events := make(chan bus.Event, 16)
	s.events.Subscribe(clientID, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(clientID)
	s.log.Debug("ws client connected", "id", clientID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
