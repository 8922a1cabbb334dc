package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edusuite/coursescan/internal/progress"
)

const wsWriteTimeout = 10 * time.Second

// ProgressHandler streams progress updates over a websocket. Clients
// subscribe to everything, one task (?task_id=) or one principal
// (?principal=). Task subscriptions replay the buffered history first so
// late joiners see the whole run.
type ProgressHandler struct {
	broadcaster *progress.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewProgressHandler creates the websocket progress handler.
func NewProgressHandler(broadcaster *progress.Broadcaster, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "progress_handler"),
	}
}

// wsSubscriber adapts one websocket connection to the Subscriber
// interface. Writes are serialized; a failed write surfaces to the
// broadcaster, which drops the subscriber.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Notify(update progress.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(update)
}

// Serve handles GET /api/ws/progress.
func (h *ProgressHandler) Serve(w http.ResponseWriter, r *http.Request) {
	taskParam := r.URL.Query().Get("task_id")
	principal := r.URL.Query().Get("principal")

	var taskID uuid.UUID
	if taskParam != "" {
		var err error
		taskID, err = uuid.Parse(taskParam)
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "invalid task_id")
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := &wsSubscriber{conn: conn}

	var unsubscribe func()
	switch {
	case taskParam != "":
		for _, update := range h.broadcaster.History(taskID) {
			if err := sub.Notify(update); err != nil {
				_ = conn.Close()
				return
			}
		}
		h.broadcaster.SubscribeTask(taskID, sub)
		unsubscribe = func() { h.broadcaster.UnsubscribeTask(taskID, sub) }
	case principal != "":
		h.broadcaster.SubscribePrincipal(principal, sub)
		unsubscribe = func() { h.broadcaster.UnsubscribePrincipal(principal, sub) }
	default:
		h.broadcaster.Subscribe(sub)
		unsubscribe = func() { h.broadcaster.Unsubscribe(sub) }
	}

	h.logger.Debug("progress subscriber connected",
		"task_id", taskParam,
		"principal", principal,
		"remote", r.RemoteAddr)

	// Drain incoming frames to observe the close handshake; the first
	// read error ends the subscription.
	go func() {
		defer func() {
			unsubscribe()
			_ = conn.Close()
			h.logger.Debug("progress subscriber disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
