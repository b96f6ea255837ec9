package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected client. Writes are serialized because
// gorilla connections allow a single concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the live notification session of each user. A newer
// connection replaces the older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if conn is still the registered one.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Send(userID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}
