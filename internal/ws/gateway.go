package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/presence"
	"chat-gateway/internal/repositories"
)

// DefaultGlobalRoomID is the well-known public room, shared with client
// configuration.
const DefaultGlobalRoomID = "00000000-0000-0000-0000-000000000001"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway is the protocol state machine for real-time room interactions.
// It authenticates handshakes, tracks presence and routes inbound events
// to the hub and the persistence repositories.
type Gateway struct {
	hub          *Hub
	tracker      *presence.Tracker
	verifier     auth.Verifier
	users        repositories.UserRepository
	rooms        repositories.RoomRepository
	messages     repositories.MessageRepository
	globalRoomID string
}

// NewGateway constructs a Gateway.
func NewGateway(
	hub *Hub,
	tracker *presence.Tracker,
	verifier auth.Verifier,
	users repositories.UserRepository,
	rooms repositories.RoomRepository,
	messages repositories.MessageRepository,
	globalRoomID string,
) *Gateway {
	if globalRoomID == "" {
		globalRoomID = DefaultGlobalRoomID
	}
	return &Gateway{
		hub:          hub,
		tracker:      tracker,
		verifier:     verifier,
		users:        users,
		rooms:        rooms,
		messages:     messages,
		globalRoomID: globalRoomID,
	}
}

// GlobalRoomID returns the well-known public room id.
func (g *Gateway) GlobalRoomID() string {
	return g.globalRoomID
}

// Handle upgrades the connection, authenticates it and runs the session
// read loop.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-gateway/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := auth.NormalizeToken(c.GetHeader("Authorization"))
	if token == "" {
		token = auth.NormalizeToken(c.Query("token"))
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	session := NewSession(conn, info, token)

	if !g.handleConnect(ctx, session) {
		return
	}

	go g.readLoop(session)
}

// handleConnect authenticates the session and admits it into presence
// tracking. It returns false when the connection was rejected and closed.
func (g *Gateway) handleConnect(ctx context.Context, s *Session) bool {
	user, err := g.authenticate(ctx, s.Token())
	if err != nil {
		if auth.IsAuthError(err) {
			log.Printf("unauthorized socket connection: %v", err)
			_ = s.Emit("error", "Not authorized")
			s.Close()
			return false
		}
		log.Printf("unexpected connection error: %v", err)
		_ = s.Emit("error", "Connection error")
		// Not an auth failure; keep the connection open so event handlers
		// can retry identity resolution.
		return true
	}

	s.SetUser(&user)
	log.Printf("connected: %s", user.Username)

	g.hub.Register(s)
	g.hub.Join(g.globalRoomID, s)
	g.emitMyRooms(ctx, s, user.ID)

	online := g.tracker.Connect(user.ID)
	observability.SetOnlineUsers(online)
	g.hub.BroadcastAll("onlineCount", online)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	g.publishLifecycle(ctx, s, "ws_connect", "")
	return true
}

func (g *Gateway) readLoop(s *Session) {
	var closeReason string
	defer func() {
		g.handleDisconnect(s, closeReason)
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}

		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			_ = s.Emit("error", "Malformed event")
			continue
		}
		g.dispatch(context.Background(), s, frame.Event, frame.Data)
	}
}

func (g *Gateway) handleDisconnect(s *Session, reason string) {
	g.hub.Unregister(s)
	s.Close()

	user := s.User()
	if user == nil {
		return
	}

	observability.DecWSActive()
	observability.IncWSEvent("ws_disconnect")
	g.publishLifecycle(context.Background(), s, "ws_disconnect", reason)

	online, broadcastNow := g.tracker.Disconnect(user.ID, func(online int) {
		observability.SetOnlineUsers(online)
		g.hub.BroadcastAll("onlineCount", online)
	})
	if broadcastNow {
		observability.SetOnlineUsers(online)
		g.hub.BroadcastAll("onlineCount", online)
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, event string, data json.RawMessage) {
	switch event {
	case "joinRoom":
		g.handleJoinRoom(ctx, s, data)
	case "leaveRoom":
		g.handleLeaveRoom(ctx, s, data)
	case "createPrivateRoom":
		g.handleCreatePrivateRoom(ctx, s, data)
	case "openDirectRoom":
		g.handleOpenDirectRoom(ctx, s, data)
	case "inviteUserToRoom":
		g.handleInviteUserToRoom(ctx, s, data)
	case "getMyRooms":
		g.handleGetMyRooms(ctx, s)
	case "sendMessage":
		g.handleSendMessage(ctx, s, data)
	}
}

// authenticate resolves the handshake token to a stored identity.
func (g *Gateway) authenticate(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, auth.ErrNoToken
	}

	subject, err := g.verifier.Verify(token)
	if err != nil {
		return models.User{}, err
	}

	user, err := g.users.GetUser(ctx, subject)
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

// resolveUser returns the session identity, re-running handshake
// authentication when an earlier attempt failed transiently.
func (g *Gateway) resolveUser(ctx context.Context, s *Session) *models.User {
	if user := s.User(); user != nil {
		return user
	}

	user, err := g.authenticate(ctx, s.Token())
	if err != nil {
		return nil
	}
	s.SetUser(&user)
	g.hub.Register(s)
	return &user
}

// checkRoomAccess is the membership gate. The global room is open to every
// identity; any other room requires a membership row. The lookup is never
// cached so that revocations take effect on the next send.
func (g *Gateway) checkRoomAccess(ctx context.Context, userID string, roomID string) (bool, error) {
	if roomID == g.globalRoomID {
		return true, nil
	}
	return g.rooms.IsMember(ctx, roomID, userID)
}

func (g *Gateway) handleJoinRoom(ctx context.Context, s *Session, data json.RawMessage) {
	user := g.resolveUser(ctx, s)
	if user == nil {
		_ = s.Emit("error", "Not authorized")
		return
	}

	// The body is either a bare room id or an object with paging.
	var roomID string
	limit, skip := defaultHistoryLimit, 0
	if err := json.Unmarshal(data, &roomID); err != nil {
		var body struct {
			RoomID string `json:"roomId"`
			Limit  *int   `json:"limit"`
			Skip   *int   `json:"skip"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			_ = s.Emit("error", "roomId is required")
			return
		}
		roomID = body.RoomID
		if body.Limit != nil {
			limit = clamp(*body.Limit, 1, maxHistoryLimit)
		}
		if body.Skip != nil && *body.Skip > 0 {
			skip = *body.Skip
		}
	}
	if roomID == "" {
		_ = s.Emit("error", "roomId is required")
		return
	}

	ok, err := g.checkRoomAccess(ctx, user.ID, roomID)
	if err != nil {
		log.Printf("joinRoom failed: room=%s user=%s: %v", roomID, user.ID, err)
		_ = s.Emit("error", "Failed to load room history")
		return
	}
	if !ok {
		_ = s.Emit("error", "Access denied")
		return
	}

	g.hub.Join(roomID, s)

	history, err := g.messages.ListRoomMessages(ctx, roomID, limit, skip)
	if err != nil {
		log.Printf("joinRoom failed: room=%s user=%s: %v", roomID, user.ID, err)
		_ = s.Emit("error", "Failed to load room history")
		return
	}

	messages := make([]models.MessagePayload, 0, len(history))
	for _, msg := range history {
		messages = append(messages, models.NewMessagePayload(msg))
	}
	_ = s.Emit("roomHistory", models.RoomHistoryPayload{RoomID: roomID, Messages: messages})

	g.hub.BroadcastRoomExcept(roomID, s, "userJoinedRoom", models.RoomUserPayload{
		RoomID:   roomID,
		UserID:   user.ID,
		Username: user.Username,
	})
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, s *Session, data json.RawMessage) {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		var body struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return
		}
		roomID = body.RoomID
	}
	if roomID == "" {
		return
	}

	// Leaving needs no membership re-check.
	g.hub.Leave(roomID, s)

	if user := s.User(); user != nil {
		g.hub.BroadcastRoom(roomID, "userLeftRoom", models.RoomUserPayload{
			RoomID:   roomID,
			UserID:   user.ID,
			Username: user.Username,
		})
	}
}

func (g *Gateway) handleCreatePrivateRoom(ctx context.Context, s *Session, data json.RawMessage) {
	user := g.resolveUser(ctx, s)
	if user == nil {
		_ = s.Emit("error", "Not authorized")
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	_ = json.Unmarshal(data, &body)
	title := strings.TrimSpace(body.Title)
	if title == "" {
		_ = s.Emit("error", "Room title is required")
		return
	}

	// Title is a uniqueness key: creating twice returns the existing room.
	existing, err := g.rooms.GetRoomByTitle(ctx, title)
	if err == nil {
		_ = s.Emit("roomExists", models.RoomCreatedPayload{RoomID: existing.ID, Title: existing.Title})
		return
	}
	if !errors.Is(err, repositories.ErrRoomNotFound) {
		log.Printf("createPrivateRoom failed: user=%s: %v", user.ID, err)
		_ = s.Emit("error", "Failed to create room")
		return
	}

	room, err := g.rooms.CreateRoom(ctx, title, []string{user.ID})
	if err != nil {
		log.Printf("createPrivateRoom failed: user=%s: %v", user.ID, err)
		_ = s.Emit("error", "Failed to create room")
		return
	}

	g.hub.Join(room.ID, s)
	_ = s.Emit("roomCreated", models.RoomCreatedPayload{RoomID: room.ID, Title: room.Title})
	g.emitMyRooms(ctx, s, user.ID)
}

// directRoomTitle derives the canonical title for a two-party room. Sorting
// the ids makes openDirectRoom(A,B) and openDirectRoom(B,A) converge.
func directRoomTitle(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return fmt.Sprintf("dm:%s:%s", ids[0], ids[1])
}

func (g *Gateway) handleOpenDirectRoom(ctx context.Context, s *Session, data json.RawMessage) {
	user := g.resolveUser(ctx, s)
	if user == nil {
		_ = s.Emit("error", "Not authorized")
		return
	}

	var body struct {
		TargetUserID string `json:"targetUserId"`
	}
	_ = json.Unmarshal(data, &body)
	if body.TargetUserID == "" {
		_ = s.Emit("error", "targetUserId is required")
		return
	}
	if body.TargetUserID == user.ID {
		_ = s.Emit("error", "Cannot open a direct room with yourself")
		return
	}

	target, err := g.users.GetUser(ctx, body.TargetUserID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			_ = s.Emit("error", "User not found")
		} else {
			log.Printf("openDirectRoom failed: user=%s target=%s: %v", user.ID, body.TargetUserID, err)
			_ = s.Emit("error", "Failed to open direct room")
		}
		return
	}

	title := directRoomTitle(user.ID, target.ID)

	room, err := g.rooms.GetRoomByTitle(ctx, title)
	switch {
	case errors.Is(err, repositories.ErrRoomNotFound):
		room, err = g.rooms.CreateRoom(ctx, title, []string{user.ID, target.ID})
		if err != nil {
			log.Printf("openDirectRoom failed: user=%s target=%s: %v", user.ID, target.ID, err)
			_ = s.Emit("error", "Failed to open direct room")
			return
		}
	case err != nil:
		log.Printf("openDirectRoom failed: user=%s target=%s: %v", user.ID, target.ID, err)
		_ = s.Emit("error", "Failed to open direct room")
		return
	default:
		// The room may predate one of the parties; membership upsert is
		// idempotent either way.
		for _, memberID := range []string{user.ID, target.ID} {
			if err := g.rooms.UpsertMember(ctx, room.ID, memberID); err != nil {
				log.Printf("openDirectRoom failed: user=%s target=%s: %v", user.ID, target.ID, err)
				_ = s.Emit("error", "Failed to open direct room")
				return
			}
		}
	}

	g.hub.Join(room.ID, s)
	_ = s.Emit("directRoomOpened", models.DirectRoomOpenedPayload{
		RoomID:         room.ID,
		Title:          room.Title,
		TargetUserID:   target.ID,
		TargetUsername: target.Username,
	})
	g.emitMyRooms(ctx, s, user.ID)

	// Push a room-list refresh to the target's live sessions so their
	// client learns of the room without polling.
	if sessions := g.hub.UserSessions(target.ID); len(sessions) > 0 {
		rooms := g.myRooms(ctx, target.ID)
		g.hub.EmitUser(target.ID, "myRooms", models.MyRoomsPayload{Rooms: rooms})
	}
}

func (g *Gateway) handleInviteUserToRoom(ctx context.Context, s *Session, data json.RawMessage) {
	inviter := g.resolveUser(ctx, s)
	if inviter == nil {
		_ = s.Emit("error", "Not authorized")
		return
	}

	var body struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(data, &body)
	if body.RoomID == "" || body.UserID == "" {
		_ = s.Emit("error", "roomId and userId are required")
		return
	}

	if body.RoomID == g.globalRoomID {
		_ = s.Emit("error", "No invitation needed for the global room")
		return
	}

	ok, err := g.checkRoomAccess(ctx, inviter.ID, body.RoomID)
	if err != nil {
		log.Printf("inviteUserToRoom failed: room=%s inviter=%s: %v", body.RoomID, inviter.ID, err)
		_ = s.Emit("error", "Failed to invite user")
		return
	}
	if !ok {
		_ = s.Emit("error", "Access denied")
		return
	}

	invited, err := g.users.GetUser(ctx, body.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			_ = s.Emit("error", "User not found")
		} else {
			log.Printf("inviteUserToRoom failed: room=%s inviter=%s: %v", body.RoomID, inviter.ID, err)
			_ = s.Emit("error", "Failed to invite user")
		}
		return
	}

	member, err := g.rooms.IsMember(ctx, body.RoomID, invited.ID)
	if err != nil {
		log.Printf("inviteUserToRoom failed: room=%s inviter=%s: %v", body.RoomID, inviter.ID, err)
		_ = s.Emit("error", "Failed to invite user")
		return
	}
	if member {
		_ = s.Emit("roomMemberExists", models.RoomUserPayload{RoomID: body.RoomID, UserID: invited.ID})
		return
	}

	if err := g.rooms.UpsertMember(ctx, body.RoomID, invited.ID); err != nil {
		log.Printf("inviteUserToRoom failed: room=%s inviter=%s: %v", body.RoomID, inviter.ID, err)
		_ = s.Emit("error", "Failed to invite user")
		return
	}

	g.hub.BroadcastRoom(body.RoomID, "userInvitedToRoom", models.RoomInvitePayload{
		RoomID:            body.RoomID,
		InvitedUserID:     invited.ID,
		InvitedUsername:   invited.Username,
		InvitedByUserID:   inviter.ID,
		InvitedByUsername: inviter.Username,
	})
	_ = s.Emit("roomUserInvited", models.RoomUserPayload{
		RoomID:   body.RoomID,
		UserID:   invited.ID,
		Username: invited.Username,
	})
	// The invited user's sessions may not be subscribed to the room yet.
	g.hub.EmitUser(invited.ID, "userInvitedToRoom", models.RoomInvitePayload{
		RoomID:        body.RoomID,
		InvitedUserID: invited.ID,
	})
}

func (g *Gateway) handleGetMyRooms(ctx context.Context, s *Session) {
	user := g.resolveUser(ctx, s)
	if user == nil {
		_ = s.Emit("error", "Not authorized")
		return
	}
	g.emitMyRooms(ctx, s, user.ID)
}

func (g *Gateway) handleSendMessage(ctx context.Context, s *Session, data json.RawMessage) {
	user := g.resolveUser(ctx, s)
	if user == nil {
		_ = s.Emit("error", "Not authorized")
		return
	}

	var body struct {
		RoomID  string `json:"roomId"`
		Content string `json:"content"`
	}
	_ = json.Unmarshal(data, &body)

	// Blank content is dropped without an error event.
	if strings.TrimSpace(body.Content) == "" {
		return
	}

	// Membership is re-checked on every send; it may have been revoked
	// since joinRoom.
	ok, err := g.checkRoomAccess(ctx, user.ID, body.RoomID)
	if err != nil {
		log.Printf("sendMessage failed: room=%s user=%s: %v", body.RoomID, user.ID, err)
		_ = s.Emit("error", "Failed to save message")
		return
	}
	if !ok {
		_ = s.Emit("error", "Access denied")
		return
	}

	msg, err := g.messages.CreateRoomMessage(ctx, body.RoomID, user.ID, body.Content)
	if err != nil {
		log.Printf("sendMessage failed: room=%s user=%s: %v", body.RoomID, user.ID, err)
		_ = s.Emit("error", "Failed to save message")
		return
	}

	// Durably stored before fan-out; the sender relies on this echo.
	g.hub.BroadcastRoom(body.RoomID, "newMessage", models.NewMessagePayload(msg))
}

// myRooms is a best-effort read: persistence errors degrade to an empty
// list.
func (g *Gateway) myRooms(ctx context.Context, userID string) []models.RoomPayload {
	rooms, err := g.rooms.ListRoomsForUser(ctx, userID, g.globalRoomID)
	if err != nil {
		log.Printf("myRooms failed: user=%s: %v", userID, err)
		return []models.RoomPayload{}
	}
	return models.NewRoomPayloads(rooms)
}

func (g *Gateway) emitMyRooms(ctx context.Context, s *Session, userID string) {
	_ = s.Emit("myRooms", models.MyRoomsPayload{Rooms: g.myRooms(ctx, userID)})
}

func (g *Gateway) publishLifecycle(ctx context.Context, s *Session, name string, reason string) {
	info := s.Info()
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       name,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
	}
	if user := s.User(); user != nil {
		payload["identity"] = map[string]interface{}{
			"user_id":  user.ID,
			"username": user.Username,
			"ip":       info.IP,
		}
	}

	_ = observability.PublishEvent(ctx, "ws_events.rooms", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
