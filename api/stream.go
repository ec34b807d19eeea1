package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/logging"
	"github.com/franksops/fileops/progress"
)

// Stream event types. The last message of every stream is eventDone.
const (
	eventProgress = "progress"
	eventDone     = "done"
)

func eventFor(snap jobs.Snapshot) string {
	if snap.State.Terminal() {
		return eventDone
	}
	return eventProgress
}

// handleEvents streams snapshots of one job as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.jobs.Get(id); !ok {
		s.fail(w, r, jobs.ErrJobNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, jobs.CodeUnexpected, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range progress.Watch(r.Context(), s.jobs, id, s.cfg.PollInterval) {
		data, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventFor(snap), data)
		flusher.Flush()
	}
}

type wsMessage struct {
	Type string        `json:"type"`
	Job  jobs.Snapshot `json:"job"`
}

type wsCommand struct {
	Cmd string `json:"cmd"`
}

// handleWebSocket pushes snapshots of job_id and accepts {"cmd":"cancel"}
// from the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "job_id is required")
		return
	}
	if _, ok := s.jobs.Get(id); !ok {
		s.fail(w, r, jobs.ErrJobNotFound)
		return
	}

	log := logging.WithContext(r.Context(), s.log).With(zap.String("job_id", id))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readCommands(ctx, cancel, conn, id, log)

	for snap := range progress.Watch(ctx, s.jobs, id, s.cfg.PollInterval) {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteJSON(wsMessage{Type: eventFor(snap), Job: snap}); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"),
		time.Now().Add(s.cfg.WriteTimeout))
}

// readCommands owns the read side of conn until it fails.
func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string, log *zap.Logger) {
	defer cancel()
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Cmd {
		case "cancel":
			if _, err := s.jobs.Cancel(id); err != nil {
				log.Debug("websocket cancel failed", zap.Error(err))
			}
		default:
			log.Debug("ignoring websocket command", zap.String("cmd", cmd.Cmd))
		}
		if ctx.Err() != nil {
			return
		}
	}
}
