package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"chat-gateway/internal/observability"
)

// Hub maintains the live session population: sessions indexed by user id
// and the fan-out group of sessions subscribed to each room. The maps are
// mutated only through Hub methods.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Session]bool
	users    map[string]map[*Session]bool
	sessions map[*Session]map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Session]bool),
		users:    make(map[string]map[*Session]bool),
		sessions: make(map[*Session]map[string]bool),
	}
}

// Register admits an authenticated session into the user index.
func (h *Hub) Register(s *Session) {
	user := s.User()
	if user == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[user.ID]; !ok {
		h.users[user.ID] = make(map[*Session]bool)
	}
	h.users[user.ID][s] = true
	if _, ok := h.sessions[s]; !ok {
		h.sessions[s] = make(map[string]bool)
	}
}

// Unregister removes a session from the user index and every room it
// joined.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	for roomID := range h.sessions[s] {
		if members, ok := h.rooms[roomID]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	delete(h.sessions, s)

	if user := s.User(); user != nil {
		if conns, ok := h.users[user.ID]; ok {
			delete(conns, s)
			if len(conns) == 0 {
				delete(h.users, user.ID)
			}
		}
	}
}

// Join subscribes a session to a room's fan-out group.
func (h *Hub) Join(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Session]bool)
	}
	h.rooms[roomID][s] = true
	if _, ok := h.sessions[s]; !ok {
		h.sessions[s] = make(map[string]bool)
	}
	h.sessions[s][roomID] = true
}

// Leave unsubscribes a session from a room's fan-out group.
func (h *Hub) Leave(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if joined, ok := h.sessions[s]; ok {
		delete(joined, roomID)
	}
}

// InRoom reports whether the session is subscribed to the room.
func (h *Hub) InRoom(roomID string, s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID][s]
}

// RoomSessions returns a snapshot of the room's fan-out group.
func (h *Hub) RoomSessions(roomID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		out = append(out, s)
	}
	return out
}

// UserSessions returns a snapshot of the user's live sessions.
func (h *Hub) UserSessions(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.users[userID]))
	for s := range h.users[userID] {
		out = append(out, s)
	}
	return out
}

// Sessions returns a snapshot of every registered session.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastRoom sends an event to every session in the room.
func (h *Hub) BroadcastRoom(roomID string, event string, data any) {
	for _, s := range h.RoomSessions(roomID) {
		h.emit(s, roomID, event, data)
	}
}

// BroadcastRoomExcept sends an event to every session in the room but the
// given one, mirroring a sender-excluded notice.
func (h *Hub) BroadcastRoomExcept(roomID string, except *Session, event string, data any) {
	for _, s := range h.RoomSessions(roomID) {
		if s == except {
			continue
		}
		h.emit(s, roomID, event, data)
	}
}

// EmitUser sends an event to every live session of one user.
func (h *Hub) EmitUser(userID string, event string, data any) {
	for _, s := range h.UserSessions(userID) {
		h.emit(s, "", event, data)
	}
}

// BroadcastAll sends an event to every registered session.
func (h *Hub) BroadcastAll(event string, data any) {
	for _, s := range h.Sessions() {
		h.emit(s, "", event, data)
	}
}

func (h *Hub) emit(s *Session, roomID string, event string, data any) {
	if err := s.Emit(event, data); err != nil {
		log.Printf("websocket write error: %v", err)
		s.Close()
		h.Unregister(s)
		h.publishWSError(s, roomID, err)
	}
}

func (h *Hub) publishWSError(s *Session, roomID string, err error) {
	info := s.Info()
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"room_id":     roomID,
			"event":       "ws_error",
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      err.Error(),
		},
	}
	if user := s.User(); user != nil {
		payload["identity"] = map[string]interface{}{
			"user_id":  user.ID,
			"username": user.Username,
			"ip":       info.IP,
		}
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(context.Background(), "ws_events.rooms", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_error",
		Payload:   payload,
	}, headers)
	observability.IncWSEvent("ws_error")
}
