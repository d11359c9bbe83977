package push

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNoSession is returned when none of the keys has a live connection.
var ErrNoSession = errors.New("no websocket session for push keys")

const writeWait = 5 * time.Second

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(payload)
}

// Hub keeps websocket sessions keyed by push key and delivers payloads to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[*session]struct{}),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   logger,
	}
}

// Serve upgrades the request and keeps the session registered under key
// until the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s := &session{conn: conn}
	h.add(key, s)
	defer func() {
		h.remove(key, s)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// Send writes payload to every session registered under any of keys.
func (h *Hub) Send(_ context.Context, keys []string, payload map[string]any) error {
	h.mu.RLock()
	var targets []*session
	for _, key := range keys {
		for s := range h.sessions[key] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}

	var errs []error
	for _, s := range targets {
		if err := s.send(payload); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// Sessions returns the number of live sessions for key.
func (h *Hub) Sessions(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[key])
}

func (h *Hub) add(key string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[key]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[key] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(key string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[key], s)
	if len(h.sessions[key]) == 0 {
		delete(h.sessions, key)
	}
}
