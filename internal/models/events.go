package models

import "time"

// Event is the websocket frame envelope, both directions.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Wire payloads. The client protocol uses camelCase keys, unlike the
// snake_case persistence models above.

type MessagePayload struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	RoomID    string    `json:"roomId"`
}

type RoomPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type RoomHistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
}

type MyRoomsPayload struct {
	Rooms []RoomPayload `json:"rooms"`
}

type RoomUserPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
	Title  string `json:"title"`
}

type DirectRoomOpenedPayload struct {
	RoomID         string `json:"roomId"`
	Title          string `json:"title"`
	TargetUserID   string `json:"targetUserId"`
	TargetUsername string `json:"targetUsername"`
}

type RoomInvitePayload struct {
	RoomID            string `json:"roomId"`
	InvitedUserID     string `json:"invitedUserId"`
	InvitedUsername   string `json:"invitedUsername,omitempty"`
	InvitedByUserID   string `json:"invitedByUserId,omitempty"`
	InvitedByUsername string `json:"invitedByUsername,omitempty"`
}

func NewMessagePayload(msg Message) MessagePayload {
	return MessagePayload{
		ID:        msg.ID,
		Content:   msg.Content,
		Username:  msg.Username,
		CreatedAt: msg.CreatedAt,
		RoomID:    msg.RoomID,
	}
}

func NewRoomPayloads(rooms []Room) []RoomPayload {
	out := make([]RoomPayload, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomPayload{ID: room.ID, Title: room.Title, CreatedAt: room.CreatedAt})
	}
	return out
}
