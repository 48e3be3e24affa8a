package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/me/gpusched/pkg/model"
)

const (
	wsWriteTimeout = 5 * time.Second
	sseHeartbeat   = 15 * time.Second
)

// handleEvents streams task events over a websocket.
// GET /api/v1/events[?task_id=...]
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("task_id")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: originsAllowAll(s.config.CORSOrigins)})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	events, unsubscribe := s.scheduler.Subscribe()
	defer unsubscribe()

	// Clients never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := c.CloseRead(r.Context())
	s.logger.Debug("event stream opened", "task_id", filter)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "scheduler stopped")
				return
			}
			if filter != "" && ev.TaskID != filter {
				continue
			}
			if err := writeEvent(ctx, c, ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, ev model.TaskEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, b)
}

func originsAllowAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// handleSSETask streams updates for one task via Server-Sent Events until
// it reaches a terminal status.
// GET /api/v1/sse/tasks/{id}
func (s *Server) handleSSETask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	// Subscribe before reading so no transition is missed.
	events, unsubscribe := s.scheduler.Subscribe()
	defer unsubscribe()

	task, err := s.scheduler.Get(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	if err := sendSSEEvent(w, flusher, "init", task); err != nil {
		s.logger.Debug("sse client disconnected", "id", id, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", task)
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.TaskID != id {
				continue
			}
			if err := sendSSEEvent(w, flusher, "update", ev); err != nil {
				s.logger.Debug("sse client disconnected", "id", id)
				return
			}
			if ev.Status.IsTerminal() {
				if task, err := s.scheduler.Get(r.Context(), id); err == nil {
					sendSSEEvent(w, flusher, "complete", task)
				}
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
