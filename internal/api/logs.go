package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/logstream"
	"github.com/seantiz/anvil/internal/model"
)

// logHistoryResponse is the JSON response for GET /v1/tasks/{id}/logs/history.
type logHistoryResponse struct {
	TaskID  string           `json:"task_id"`
	Status  model.Status     `json:"status"`
	Entries []model.LogEntry `json:"entries"`
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeTaskError(w, err, "get task for logs")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	end, err := s.streamer.Follow(r.Context(), id, resumeCursor(r), s.cfg.StreamBudget, func(ev logstream.Event) error {
		if err := writeSSEEvent(w, ev); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Write failed (e.g. client gone).
		s.logger.Debug("log stream aborted", "task_id", id, "error", err)
		return
	}
	s.logger.Debug("log stream ended", "task_id", id, "reason", end.Reason)
}

func (s *Server) handleStreamLogsWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeTaskError(w, err, "get task for logs")
		return
	}

	// The hijacked connection keeps the server's write deadline otherwise.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for ws", "error", err)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("ws accept", "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead cancels ctx when they hang up.
	ctx := conn.CloseRead(r.Context())

	end, err := s.streamer.Follow(ctx, id, resumeCursor(r), s.cfg.StreamBudget, func(ev logstream.Event) error {
		return wsjson.Write(ctx, conn, ev)
	})
	if err != nil {
		s.logger.Debug("ws log stream aborted", "task_id", id, "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, end.Reason)
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err, "get task for log history")
		return
	}

	entries, err := s.store.GetLogs(r.Context(), id, resumeCursor(r))
	if err != nil {
		s.logger.Error("get log entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log entries")
		return
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		TaskID:  id,
		Status:  t.Status,
		Entries: entries,
	})
}

// resumeCursor returns the entry id a client has already seen, from the
// Last-Event-ID header or the "after" query parameter.
func resumeCursor(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSEEvent writes one stream event. Log events carry the entry id so
// that clients can upsert and resume.
func writeSSEEvent(w http.ResponseWriter, ev logstream.Event) error {
	var payload any = ev.End
	if ev.Type == logstream.EventLog {
		payload = ev.Entry
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Entry.ID); err != nil {
			return err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
