package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// logHub routes live log lines to websocket subscribers per session
type logHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan string]struct{}
}

func newLogHub() *logHub {
	return &logHub{subs: make(map[uuid.UUID]map[chan string]struct{})}
}

func (h *logHub) subscribe(sessionID uuid.UUID) chan string {
	ch := make(chan string, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan string]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	return ch
}

func (h *logHub) unsubscribe(sessionID uuid.UUID, ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

func (h *logHub) publish(sessionID uuid.UUID, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- line:
		default:
			// Slow consumer; drop the line instead of blocking the session
		}
	}
}

// closeSession ends every stream for a finished session
func (h *logHub) closeSession(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// streamSessionLog upgrades to a websocket, replays the persisted log,
// then streams live lines until the session ends or the client leaves.
func (s *Server) streamSessionLog(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if _, err := s.orch.GetStatus(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before snapshotting the log so no line falls in between.
	// A line is appended to the session before it is published, so every
	// line buffered on ch here is also in the snapshot below; skip that
	// many live lines to avoid sending them twice.
	ch := s.logHub.subscribe(id)
	defer s.logHub.unsubscribe(id, ch)
	replayed := len(ch)

	session, err := s.orch.GetStatus(id)
	if err != nil {
		return
	}

	for _, line := range session.Log {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	if session.Status.IsTerminal() {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(session.Status)))
		return
	}

	// Surface client disconnects while we block on the line channel
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
			if replayed > 0 {
				replayed--
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}
