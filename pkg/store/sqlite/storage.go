package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/astromechza/automerge-rooms/pkg/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Storage is the SQLite room store.
type Storage struct {
	db *sql.DB
}

var _ store.Store = (*Storage)(nil)

// New opens the database at dsn and runs the migrations. Use ":memory:" for a throwaway database.
func New(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// one writer at a time, a single connection also keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Storage{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) runMigrations() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) LoadState(ctx context.Context, roomID string) ([]byte, error) {
	var state []byte
	if err := s.db.QueryRowContext(ctx, `SELECT state FROM rooms WHERE id = ?`, roomID).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	if len(state) == 0 {
		return nil, store.ErrNotFound
	}
	return state, nil
}

func (s *Storage) SaveState(ctx context.Context, roomID string, state []byte, defaults store.Metadata) error {
	defaults = defaults.WithDefaults()
	now := time.Now().UTC().UnixMilli()
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rooms (id, title, created_by, collaborators, created_at, updated_at, state)
		VALUES (?, ?, ?, '[]', ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		roomID, defaults.Title, defaults.CreatedBy, now, now, state,
	); err != nil {
		return fmt.Errorf("failed to upsert state: %w", err)
	}
	return nil
}

func (s *Storage) CreateRoom(ctx context.Context, room *store.Room) error {
	collaborators, err := encodeCollaborators(room.Collaborators)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = room.CreatedAt
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rooms (id, title, created_by, collaborators, created_at, updated_at, state) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Title, room.CreatedBy, collaborators, room.CreatedAt.UnixMilli(), room.UpdatedAt.UnixMilli(), room.State,
	); err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert room: %w", err)
	}
	return nil
}

const roomColumns = `id, title, created_by, collaborators, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner, extra ...any) (*store.Room, error) {
	room := &store.Room{}
	var collaborators string
	var createdAt, updatedAt int64
	dest := append([]any{&room.ID, &room.Title, &room.CreatedBy, &collaborators, &createdAt, &updatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(collaborators), &room.Collaborators); err != nil {
		return nil, fmt.Errorf("failed to decode collaborators of %s: %w", room.ID, err)
	}
	room.CreatedAt = time.UnixMilli(createdAt).UTC()
	room.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return room, nil
}

func (s *Storage) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	var state []byte
	room, err := scanRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+`, state FROM rooms WHERE id = ?`, roomID), &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	room.State = state
	return room, nil
}

func (s *Storage) ListRooms(ctx context.Context, owner string) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE created_by = ? ORDER BY updated_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	out := make([]*store.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	return out, nil
}

func (s *Storage) UpdateRoom(ctx context.Context, roomID string, update store.RoomUpdate) (*store.Room, error) {
	var title, collaborators sql.NullString
	if update.Title != nil {
		title = sql.NullString{String: *update.Title, Valid: true}
	}
	if update.Collaborators != nil {
		raw, err := encodeCollaborators(update.Collaborators)
		if err != nil {
			return nil, err
		}
		collaborators = sql.NullString{String: raw, Valid: true}
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE rooms SET title = COALESCE(?, title), collaborators = COALESCE(?, collaborators), updated_at = ? WHERE id = ?`,
		title, collaborators, time.Now().UTC().UnixMilli(), roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to count rows affected by room update: %w", err)
	} else if n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetRoom(ctx, roomID)
}

// DB returns the underlying database connection for testing purposes
func (s *Storage) DB() *sql.DB {
	return s.db
}

func encodeCollaborators(c []string) (string, error) {
	if c == nil {
		c = []string{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode collaborators: %w", err)
	}
	return string(raw), nil
}
