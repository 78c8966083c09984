// Package syncserver keeps one live session per room and relays updates between the connections of that room.
//
// Every room runs a single goroutine that owns its connections and serializes joins, leaves, inbound updates,
// awareness frames and save bookkeeping. The Server only keeps the registry of live rooms and reference counts.
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/astromechza/automerge-rooms/pkg/assets"
	"github.com/astromechza/automerge-rooms/pkg/lease"
	"github.com/astromechza/automerge-rooms/pkg/session"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

var (
	// ErrRoomBusy means the room is live on another server.
	ErrRoomBusy = errors.New("room is busy on another server")

	ErrShuttingDown = errors.New("server is shutting down")
)

// CleanupMode decides which replica deletes assets whose last reference was removed.
type CleanupMode string

const (
	// CleanupServer applies actor updates as local edits of the server session so the server deletes assets.
	CleanupServer CleanupMode = "server"
	// CleanupClient applies actor updates as remote changes and leaves cleanup to the replica that made the edit.
	CleanupClient CleanupMode = "client"
)

type RoomState int

const (
	StateUnloaded RoomState = iota
	StateLoading
	StateActive
	StateSaving
)

func (s RoomState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateSaving:
		return "saving"
	default:
		return "unknown"
	}
}

// Store is the persistence the server needs.
type Store interface {
	session.Loader
	SaveState(ctx context.Context, roomID string, state []byte, defaults store.Metadata) error
}

type Options struct {
	// SaveInterval is how often a dirty room is saved while connections stay open.
	SaveInterval time.Duration
	// SaveEveryUpdates saves once this many changing updates accumulated since the last save.
	SaveEveryUpdates int
	LoadTimeout      time.Duration
	SaveTimeout      time.Duration
	RecoverEmpty     bool
	CleanupMode      CleanupMode
	// UpdatesPerSecond limits inbound frames per connection, zero disables the limit.
	UpdatesPerSecond float64
	PingInterval     time.Duration
	SendBuffer       int
	MaxFrameSize     int64

	// Reaper receives assets to delete in CleanupServer mode, nil disables cleanup.
	Reaper  assets.Enqueuer
	Leaser  lease.Leaser
	Backoff func() retry.Backoff
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SaveInterval <= 0 {
		o.SaveInterval = 5 * time.Second
	}
	if o.SaveEveryUpdates <= 0 {
		o.SaveEveryUpdates = 100
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 30 * time.Second
	}
	if o.CleanupMode == "" {
		o.CleanupMode = CleanupServer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 16 << 20
	}
	if o.Leaser == nil {
		o.Leaser = lease.Noop{}
	}
	if o.Backoff == nil {
		o.Backoff = func() retry.Backoff {
			b := retry.NewExponential(100 * time.Millisecond)
			b = retry.WithCappedDuration(2*time.Second, b)
			return retry.WithMaxRetries(4, b)
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Server struct {
	store    Store
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	rooms   map[string]*room
	loading map[string]struct{}
	closed  bool
	loads   singleflight.Group
	wg      sync.WaitGroup
}

func New(s Store, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		store:  s,
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:   make(map[string]*room),
		loading: make(map[string]struct{}),
	}
}

// origin is how updates submitted by actors are applied to the server session.
func (s *Server) origin() session.Origin {
	if s.opts.CleanupMode == CleanupClient {
		return session.OriginRemote
	}
	return session.OriginLocal
}

// RoomState reports the lifecycle state of a room on this server.
func (s *Server) RoomState(roomID string) RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.State()
	}
	if _, ok := s.loading[roomID]; ok {
		return StateLoading
	}
	return StateUnloaded
}

// Snapshot returns the live state of a room, false when the room is not loaded here.
func (s *Server) Snapshot(roomID string) ([]byte, bool) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.sess.Serialize(), true
}

// acquire returns the live room, loading it if needed, and takes a reference on it.
func (s *Server) acquire(ctx context.Context, roomID string, meta store.Metadata) (*room, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if r, ok := s.rooms[roomID]; ok {
			r.refs++
			s.mu.Unlock()
			return r, nil
		}
		s.mu.Unlock()

		ch := s.loads.DoChan(roomID, func() (interface{}, error) {
			return nil, s.load(roomID, meta)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// the room may already be gone again by the time we look, so go round
	}
}

func (s *Server) load(roomID string, meta store.Metadata) (err error) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.loading[roomID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.loading, roomID)
		s.mu.Unlock()
		if err != nil {
			loadsTotal.WithLabelValues("error").Inc()
		} else {
			loadsTotal.WithLabelValues("ok").Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
	defer cancel()

	l, err := s.opts.Leaser.Acquire(ctx, roomID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return fmt.Errorf("%w: %v", ErrRoomBusy, err)
		}
		return err
	}
	logger := s.logger.With("room", roomID)
	sess, err := session.Open(ctx, s.store, roomID, session.Options{RecoverEmpty: s.opts.RecoverEmpty, Logger: s.logger})
	if err != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if e := l.Release(releaseCtx); e != nil {
			logger.Error("failed to release lease after failed load", "err", e)
		}
		return err
	}

	r := newRoom(s, roomID, sess, l, meta.WithDefaults(), logger)
	if s.opts.CleanupMode == CleanupServer && s.opts.Reaper != nil {
		r.unsubscribe = sess.Subscribe(assets.NewTracker(roomID, s.opts.Reaper, s.logger))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sess.Close()
		_ = l.Release(ctx)
		return ErrShuttingDown
	}
	s.rooms[roomID] = r
	s.wg.Add(1)
	go r.run()
	activeRooms.Inc()
	logger.Info("loaded room", "heads", sess.Heads())
	return nil
}

func (s *Server) release(r *room) {
	s.mu.Lock()
	r.refs--
	s.mu.Unlock()
	send(r, r.released, struct{}{})
}

// tryEvict removes r from the registry unless a reference was taken on it in the meantime.
func (s *Server) tryEvict(r *room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.refs > 0 || s.rooms[r.id] != r {
		return false
	}
	delete(s.rooms, r.id)
	return true
}

func (s *Server) save(ctx context.Context, roomID string, state []byte, meta store.Metadata) error {
	start := time.Now()
	defer func() {
		saveDuration.Observe(time.Since(start).Seconds())
	}()
	err := retry.Do(ctx, s.opts.Backoff(), func(ctx context.Context) error {
		if err := s.store.SaveState(ctx, roomID, state, meta); err != nil {
			s.logger.Warn("failed to save room, retrying", "room", roomID, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		savesTotal.WithLabelValues("error").Inc()
		return err
	}
	savesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Submit merges an update into a room outside of any connection, loading the room for the duration of the call.
func (s *Server) Submit(ctx context.Context, roomID string, update []byte, meta store.Metadata) error {
	r, err := s.acquire(ctx, roomID, meta)
	if err != nil {
		return err
	}
	defer s.release(r)
	reply := make(chan error, 1)
	if !send(r, r.inbound, inbound{update: update, reply: reply}) {
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown disconnects everyone and saves every live room one last time.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		reply := make(chan error, 1)
		if !send(r, r.stop, stopRequest{ctx: ctx, reply: reply}) {
			continue
		}
		select {
		case err := <-reply:
			if err != nil {
				errs = append(errs, fmt.Errorf("room %s: %w", r.id, err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(errs...)
}
