package models

import "time"

// Room is a message-scoping container. The global room is an ordinary row
// with a well-known id; direct rooms are keyed by a canonical "dm:" title.
type Room struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RoomMember is one (room, user) membership row, unique per pair.
type RoomMember struct {
	RoomID string `db:"room_id" json:"room_id"`
	UserID string `db:"user_id" json:"user_id"`
}
