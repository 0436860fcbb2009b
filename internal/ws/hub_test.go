package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/models"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, &websocketClosedError{}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type websocketClosedError struct{}

func (*websocketClosedError) Error() string { return "connection closed" }

func (c *fakeConn) events(t *testing.T) []models.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev models.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) eventNames(t *testing.T) []string {
	t.Helper()
	events := c.events(t)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	return names
}

func findEvent(t *testing.T, c *fakeConn, name string) (models.Event, bool) {
	t.Helper()
	for _, ev := range c.events(t) {
		if ev.Event == name {
			return ev, true
		}
	}
	return models.Event{}, false
}

func newTestSession(user *models.User) (*Session, *fakeConn) {
	conn := &fakeConn{}
	s := NewSession(conn, ConnInfo{ConnID: newConnID(), ConnectedAt: time.Now()}, "")
	if user != nil {
		s.SetUser(user)
	}
	return s, conn
}

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub()
	s, _ := newTestSession(&models.User{ID: "u1", Username: "alice"})

	hub.Join("r1", s)
	assert.True(t, hub.InRoom("r1", s))
	require.Len(t, hub.RoomSessions("r1"), 1)

	hub.Leave("r1", s)
	assert.False(t, hub.InRoom("r1", s))
	assert.Empty(t, hub.RoomSessions("r1"))
}

func TestHubBroadcastRoomTargetsSubscribersOnly(t *testing.T) {
	hub := NewHub()
	s1, c1 := newTestSession(&models.User{ID: "u1", Username: "alice"})
	s2, c2 := newTestSession(&models.User{ID: "u2", Username: "bob"})
	s3, c3 := newTestSession(&models.User{ID: "u3", Username: "carol"})

	hub.Join("r1", s1)
	hub.Join("r1", s2)
	hub.Join("r2", s3)

	hub.BroadcastRoom("r1", "newMessage", models.MessagePayload{ID: "m1", RoomID: "r1"})

	assert.Equal(t, []string{"newMessage"}, c1.eventNames(t))
	assert.Equal(t, []string{"newMessage"}, c2.eventNames(t))
	assert.Empty(t, c3.eventNames(t))
}

func TestHubBroadcastRoomExceptSkipsSender(t *testing.T) {
	hub := NewHub()
	s1, c1 := newTestSession(&models.User{ID: "u1", Username: "alice"})
	s2, c2 := newTestSession(&models.User{ID: "u2", Username: "bob"})

	hub.Join("r1", s1)
	hub.Join("r1", s2)

	hub.BroadcastRoomExcept("r1", s1, "userJoinedRoom", models.RoomUserPayload{RoomID: "r1", UserID: "u1"})

	assert.Empty(t, c1.eventNames(t))
	assert.Equal(t, []string{"userJoinedRoom"}, c2.eventNames(t))
}

func TestHubEmitUserReachesEverySession(t *testing.T) {
	hub := NewHub()
	user := &models.User{ID: "u1", Username: "alice"}
	s1, c1 := newTestSession(user)
	s2, c2 := newTestSession(user)
	other, otherConn := newTestSession(&models.User{ID: "u2", Username: "bob"})

	hub.Register(s1)
	hub.Register(s2)
	hub.Register(other)

	hub.EmitUser("u1", "myRooms", models.MyRoomsPayload{Rooms: []models.RoomPayload{}})

	assert.Equal(t, []string{"myRooms"}, c1.eventNames(t))
	assert.Equal(t, []string{"myRooms"}, c2.eventNames(t))
	assert.Empty(t, otherConn.eventNames(t))
}

func TestHubUnregisterRemovesEverywhere(t *testing.T) {
	hub := NewHub()
	s, _ := newTestSession(&models.User{ID: "u1", Username: "alice"})

	hub.Register(s)
	hub.Join("r1", s)
	hub.Join("r2", s)

	hub.Unregister(s)

	assert.Empty(t, hub.RoomSessions("r1"))
	assert.Empty(t, hub.RoomSessions("r2"))
	assert.Empty(t, hub.UserSessions("u1"))
	assert.Empty(t, hub.Sessions())
}

func TestHubWriteErrorEvictsSession(t *testing.T) {
	hub := NewHub()
	s1, c1 := newTestSession(&models.User{ID: "u1", Username: "alice"})
	s2, c2 := newTestSession(&models.User{ID: "u2", Username: "bob"})
	c1.writeErr = &websocketClosedError{}

	hub.Register(s1)
	hub.Register(s2)
	hub.Join("r1", s1)
	hub.Join("r1", s2)

	hub.BroadcastRoom("r1", "newMessage", models.MessagePayload{ID: "m1", RoomID: "r1"})

	assert.True(t, c1.isClosed())
	assert.False(t, hub.InRoom("r1", s1))
	assert.Empty(t, hub.UserSessions("u1"))
	assert.Equal(t, []string{"newMessage"}, c2.eventNames(t))
}
