package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/astromechza/automerge-rooms/pkg/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const uniqueViolation = "23505"

// Storage is the Postgres room store.
type Storage struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Storage)(nil)

// New connects to the database at url and runs the migrations.
func New(ctx context.Context, url string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Storage{pool: pool}
	if err := s.runMigrations(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) runMigrations() error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) LoadState(ctx context.Context, roomID string) ([]byte, error) {
	var state []byte
	if err := s.pool.QueryRow(ctx, `SELECT state FROM rooms WHERE id = $1`, roomID).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := s.pool.Exec(
		ctx,
		`INSERT INTO rooms (id, title, created_by, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		roomID, defaults.Title, defaults.CreatedBy, state,
	); err != nil {
		return fmt.Errorf("failed to upsert state: %w", err)
	}
	return nil
}

func (s *Storage) CreateRoom(ctx context.Context, room *store.Room) error {
	collaborators := room.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	raw, err := json.Marshal(collaborators)
	if err != nil {
		return fmt.Errorf("failed to encode collaborators: %w", err)
	}
	if err := s.pool.QueryRow(
		ctx,
		`INSERT INTO rooms (id, title, created_by, collaborators, state) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		room.ID, room.Title, room.CreatedBy, raw, room.State,
	).Scan(&room.CreatedAt, &room.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert room: %w", err)
	}
	return nil
}

const roomColumns = `id, title, created_by, collaborators, created_at, updated_at`

func scanRoom(row pgx.Row, extra ...any) (*store.Room, error) {
	room := &store.Room{}
	var collaborators []byte
	dest := append([]any{&room.ID, &room.Title, &room.CreatedBy, &collaborators, &room.CreatedAt, &room.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(collaborators, &room.Collaborators); err != nil {
		return nil, fmt.Errorf("failed to decode collaborators of %s: %w", room.ID, err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	room.UpdatedAt = room.UpdatedAt.UTC()
	return room, nil
}

func (s *Storage) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	var state []byte
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+`, state FROM rooms WHERE id = $1`, roomID), &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	room.State = state
	return room, nil
}

func (s *Storage) ListRooms(ctx context.Context, owner string) ([]*store.Room, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms WHERE created_by = $1 ORDER BY updated_at`, owner)
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
	var collaborators []byte
	if update.Collaborators != nil {
		raw, err := json.Marshal(update.Collaborators)
		if err != nil {
			return nil, fmt.Errorf("failed to encode collaborators: %w", err)
		}
		collaborators = raw
	}
	tag, err := s.pool.Exec(
		ctx,
		`UPDATE rooms SET title = COALESCE($1, title), collaborators = COALESCE($2::jsonb, collaborators), updated_at = NOW()
		WHERE id = $3`,
		update.Title, collaborators, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetRoom(ctx, roomID)
}
