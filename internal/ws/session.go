package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"chat-gateway/internal/models"
)

// wsConn is the subset of *websocket.Conn the hub and sessions need.
// Narrowing it keeps tests free of real network connections.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is a single live websocket connection. The identity is nil until
// the handshake token resolves, and is cached for the connection lifetime.
type Session struct {
	conn  wsConn
	info  ConnInfo
	token string

	writeMu sync.Mutex

	userMu sync.RWMutex
	user   *models.User
}

// NewSession wraps an upgraded connection.
func NewSession(conn wsConn, info ConnInfo, token string) *Session {
	return &Session{conn: conn, info: info, token: token}
}

// Info returns the connection metadata captured at handshake time.
func (s *Session) Info() ConnInfo {
	return s.info
}

// Token returns the normalized bearer token from the handshake.
func (s *Session) Token() string {
	return s.token
}

// User returns the cached identity, or nil when unauthenticated.
func (s *Session) User() *models.User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user
}

// SetUser caches the resolved identity on the session.
func (s *Session) SetUser(user *models.User) {
	s.userMu.Lock()
	s.user = user
	s.userMu.Unlock()
}

// Emit writes one event frame. Writes are serialized per connection.
func (s *Session) Emit(event string, data any) error {
	payload, err := json.Marshal(models.Event{Event: event, Data: data})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
