package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proethica/proethica/queue"
	"github.com/proethica/proethica/store"
)

type runRequest struct {
	Steps []string `json:"steps" validate:"max=16,dive,required"`
}

// POST /cases/{id}/runs
// An empty body or step list queues the whole pipeline.
func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req runRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	run, err := s.engine.Enqueue(r.Context(), id, req.Steps)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// GET /cases/{id}/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	runs, err := s.engine.Runs(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// POST /runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), runID); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": runID})
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS and auth middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GET /runs/{id}/events
// Streams queue events of a run as JSON messages. A run that already
// finished gets a single synthesized terminal event.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	// Subscribe before reading the run so no terminal event is missed.
	events, unsubscribe := s.engine.Subscribe(runID)
	defer unsubscribe()

	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	if ev, done := finishedEvent(run); done {
		send(conn, ev)
		closeNormal(conn)
		return
	}

	// Reads only detect the client closing the socket.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(conn, ev); err != nil {
				return
			}
			if ev.Terminal() {
				closeNormal(conn)
				return
			}
		}
	}
}

func send(conn *websocket.Conn, ev queue.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(writeWait))
}

// finishedEvent describes a run that ended before the subscription.
func finishedEvent(run *store.Run) (queue.Event, bool) {
	ev := queue.Event{
		RunID:     run.ID,
		CaseID:    run.CaseID,
		Step:      run.CurrentStep,
		Completed: run.StepsCompleted,
		Total:     len(run.Steps),
		Error:     run.Error,
		Time:      time.Now().UTC(),
	}
	switch run.Status {
	case store.RunCompleted:
		ev.Type = queue.EventRunCompleted
	case store.RunFailed:
		ev.Type = queue.EventRunFailed
	case store.RunCancelled:
		ev.Type = queue.EventRunCancelled
	default:
		return queue.Event{}, false
	}
	return ev, true
}
