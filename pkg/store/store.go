// Package store defines the durable room store: room metadata plus the serialized automerge state of each room.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the room does not exist, or has no persisted state yet
	ErrNotFound = errors.New("room not found")

	// ErrAlreadyExists indicates that a room with the same id exists
	ErrAlreadyExists = errors.New("room already exists")
)

const DefaultTitle = "Untitled"

// Room is one row of the room table.
type Room struct {
	ID            string    `json:"roomId"`
	Title         string    `json:"title"`
	CreatedBy     string    `json:"createdBy"`
	Collaborators []string  `json:"collaborators"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	State         []byte    `json:"-"`
}

// Metadata is written alongside a state only when the room row does not exist yet.
type Metadata struct {
	Title     string
	CreatedBy string
}

// RoomUpdate changes room metadata. Nil fields are left alone.
type RoomUpdate struct {
	Title         *string
	Collaborators []string
}

// Store persists rooms. Implementations are safe for concurrent use; SaveState is last-writer-wins on the room row.
type Store interface {
	// LoadState returns the serialized document of the room, or ErrNotFound when there is none.
	LoadState(ctx context.Context, roomID string) ([]byte, error)

	// SaveState upserts the serialized document of the room in a single statement so a partially written state is
	// never visible. defaults are only used when the row is created.
	SaveState(ctx context.Context, roomID string, state []byte, defaults Metadata) error

	// CreateRoom inserts a new room, ErrAlreadyExists if the id is taken.
	CreateRoom(ctx context.Context, room *Room) error

	// GetRoom returns a room with its state, ErrNotFound if absent.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// ListRooms returns the rooms created by owner, least recently updated first, without their state.
	ListRooms(ctx context.Context, owner string) ([]*Room, error)

	// UpdateRoom changes room metadata and returns the updated room, ErrNotFound if absent.
	UpdateRoom(ctx context.Context, roomID string, update RoomUpdate) (*Room, error)

	Close() error
}

// WithDefaults fills in the metadata written when a room row is created by a save.
func (m Metadata) WithDefaults() Metadata {
	if m.Title == "" {
		m.Title = DefaultTitle
	}
	if m.CreatedBy == "" {
		m.CreatedBy = "system"
	}
	return m
}
