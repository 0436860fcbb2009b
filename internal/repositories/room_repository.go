package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomRepository abstracts room and membership persistence.
type RoomRepository interface {
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	GetRoomByTitle(ctx context.Context, title string) (models.Room, error)
	CreateRoom(ctx context.Context, title string, memberIDs []string) (models.Room, error)
	UpsertMember(ctx context.Context, roomID string, userID string) error
	IsMember(ctx context.Context, roomID string, userID string) (bool, error)
	ListRoomsForUser(ctx context.Context, userID string, globalRoomID string) ([]models.Room, error)
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// GetRoom fetches a room by id.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT id, title, created_at FROM rooms WHERE id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// GetRoomByTitle fetches a room by its unique title.
func (r *RoomRepo) GetRoomByTitle(ctx context.Context, title string) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT id, title, created_at FROM rooms WHERE title=$1`, title)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// CreateRoom creates a room with its initial members in one transaction.
// Member insertion is idempotent so concurrent creates converge.
func (r *RoomRepo) CreateRoom(ctx context.Context, title string, memberIDs []string) (models.Room, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer tx.Rollback()

	var room models.Room
	if err := tx.QueryRowxContext(ctx,
		`INSERT INTO rooms (id, title) VALUES ($1, $2) RETURNING id, title, created_at`,
		uuid.NewString(), title,
	).Scan(&room.ID, &room.Title, &room.CreatedAt); err != nil {
		return models.Room{}, err
	}

	for _, userID := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT (room_id, user_id) DO NOTHING`,
			room.ID, userID,
		); err != nil {
			return models.Room{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// UpsertMember inserts a membership row if it does not already exist.
func (r *RoomRepo) UpsertMember(ctx context.Context, roomID string, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	)
	return err
}

// IsMember checks whether the user belongs to the room. A missing room
// yields false, not an error.
func (r *RoomRepo) IsMember(ctx context.Context, roomID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`, roomID, userID)
	return exists, err
}

// ListRoomsForUser returns the user's rooms plus the global room, oldest
// first.
func (r *RoomRepo) ListRoomsForUser(ctx context.Context, userID string, globalRoomID string) ([]models.Room, error) {
	query := `SELECT r.id, r.title, r.created_at FROM rooms r
        WHERE r.id=$2 OR EXISTS(SELECT 1 FROM room_members m WHERE m.room_id=r.id AND m.user_id=$1)
        ORDER BY r.created_at ASC`
	var rooms []models.Room
	err := r.db.SelectContext(ctx, &rooms, query, userID, globalRoomID)
	return rooms, err
}
