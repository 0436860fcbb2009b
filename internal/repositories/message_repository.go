package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

// MessageRepository abstracts room message persistence.
type MessageRepository interface {
	CreateRoomMessage(ctx context.Context, roomID string, senderID string, content string) (models.Message, error)
	ListRoomMessages(ctx context.Context, roomID string, limit int, skip int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateRoomMessage stores a message and returns it materialized with the
// sender's username.
func (r *MessageRepo) CreateRoomMessage(ctx context.Context, roomID string, senderID string, content string) (models.Message, error) {
	query := `WITH inserted AS (
            INSERT INTO messages (id, room_id, sender_id, content)
            VALUES ($1, $2, $3, $4)
            RETURNING id, room_id, sender_id, content, created_at
        )
        SELECT i.id, i.room_id, i.sender_id, u.username, i.content, i.created_at
        FROM inserted i JOIN users u ON u.id = i.sender_id`

	var msg models.Message
	err := r.db.QueryRowxContext(ctx, query, uuid.NewString(), roomID, senderID, content).
		Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Username, &msg.Content, &msg.CreatedAt)
	return msg, err
}

// ListRoomMessages returns room messages ordered oldest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID string, limit int, skip int) ([]models.Message, error) {
	query := `SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.created_at
        FROM messages m JOIN users u ON u.id = m.sender_id
        WHERE m.room_id=$1
        ORDER BY m.created_at ASC
        LIMIT $2 OFFSET $3`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, roomID, limit, skip)
	return msgs, err
}
