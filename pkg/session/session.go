// Package session holds the live, in-memory form of one room's automerge document.
//
// A Session applies update messages, produces updates for local edits, serializes point-in-time snapshots and tells
// its observers about every mutation together with the origin of the change.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

var (
	// ErrCorruptState means the persisted snapshot could not be decoded. The room must not silently start empty.
	ErrCorruptState = errors.New("corrupt document state")

	// ErrInvalidUpdate means an update message could not be decoded. The document is left untouched.
	ErrInvalidUpdate = errors.New("invalid update")

	ErrClosed = errors.New("session closed")
)

// Loader reads a room's persisted state. It returns store.ErrNotFound when the room has never been saved.
type Loader interface {
	LoadState(ctx context.Context, roomID string) ([]byte, error)
}

type Options struct {
	// RecoverEmpty starts an empty document when the persisted state is corrupt, instead of failing.
	RecoverEmpty bool
	// ActorID overrides the random automerge actor id, must be hex encoded.
	ActorID string
	Logger  *slog.Logger
}

type Session struct {
	roomID string
	logger *slog.Logger

	// notifyMu orders mutations and their notifications; mu guards the document itself so readers such as Serialize
	// never wait on observers.
	notifyMu sync.Mutex
	mu       sync.Mutex

	doc          *automerge.Doc
	version      uint64
	savedVersion uint64
	closed       bool
	last         *document.Tree

	observers map[int]Observer
	nextObs   int
}

func newSession(roomID string, doc *automerge.Doc, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ActorID != "" {
		if err := doc.SetActorID(opts.ActorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	return &Session{
		roomID:    roomID,
		logger:    logger.With("room", roomID),
		doc:       doc,
		observers: make(map[int]Observer),
	}, nil
}

// New starts a session with the empty document structure. The session is dirty so the structure gets persisted.
func New(roomID string, opts Options) (*Session, error) {
	s, err := newSession(roomID, automerge.New(), opts)
	if err != nil {
		return nil, err
	}
	if err := document.NewEditor(s.doc).Init(); err != nil {
		return nil, err
	}
	if _, err := s.doc.Commit("init"); err != nil {
		return nil, fmt.Errorf("failed to commit initial structure: %w", err)
	}
	s.version = 1
	return s, nil
}

// FromState decodes a persisted snapshot into a session.
func FromState(roomID string, raw []byte, opts Options) (*Session, error) {
	if len(raw) == 0 {
		return New(roomID, opts)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: room %s: %v", ErrCorruptState, roomID, err)
	}
	return newSession(roomID, doc, opts)
}

// Open loads the room through the loader, starting an empty document when nothing was persisted yet.
func Open(ctx context.Context, loader Loader, roomID string, opts Options) (*Session, error) {
	raw, err := loader.LoadState(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return New(roomID, opts)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load state of room %s: %w", roomID, err)
	}
	s, err := FromState(roomID, raw, opts)
	if errors.Is(err, ErrCorruptState) && opts.RecoverEmpty {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("recovering corrupt room with an empty document", "room", roomID, "err", err, "bytes", len(raw))
		return New(roomID, opts)
	}
	return s, err
}

func (s *Session) RoomID() string {
	return s.roomID
}

func (s *Session) ActorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ActorID()
}

// ApplyUpdate merges an update message into the document. It reports whether the document changed; applying an
// update that is already known is a no-op.
func (s *Session) ApplyUpdate(update []byte, origin Origin) (bool, error) {
	if err := validateChunks(update); err != nil {
		return false, err
	}
	return s.mutate(origin, func(doc *automerge.Doc) error {
		if err := doc.LoadIncremental(update); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		return nil
	})
}

// Edit runs a local edit and returns the update message that carries it to other replicas. If fn fails half way the
// update for the part that was applied is still returned and must be sent.
func (s *Session) Edit(fn func(ed *document.Editor) error) ([]byte, error) {
	var update []byte
	_, err := s.mutate(OriginLocal, func(doc *automerge.Doc) error {
		before := doc.Heads()
		editErr := fn(document.NewEditor(doc))
		if _, err := doc.Commit(""); err != nil {
			return errors.Join(editErr, fmt.Errorf("failed to commit edit: %w", err))
		}
		changes, err := doc.Changes(before...)
		if err != nil {
			return fmt.Errorf("failed to collect changes: %w", err)
		}
		if len(changes) > 0 {
			update = automerge.SaveChanges(changes)
		}
		return editErr
	})
	return update, err
}

func (s *Session) mutate(origin Origin, fn func(doc *automerge.Doc) error) (bool, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	// With observers subscribed every mutation materializes the document once. The After tree stays cached and is
	// handed out as the next mutation's Before, so only the first mutation after a cold cache pays twice.
	observing := len(s.observers) > 0
	var before *document.Tree
	if observing {
		before = s.treeLocked()
	}
	headsBefore := s.doc.Heads()
	fnErr := fn(s.doc)
	headsAfter := s.doc.Heads()
	if sameHeads(headsBefore, headsAfter) {
		s.mu.Unlock()
		return false, fnErr
	}

	s.version++
	m := Mutation{Origin: origin, Version: s.version, Before: before}
	s.last = nil
	if observing {
		if after, err := document.Materialize(s.doc); err != nil {
			s.logger.Error("failed to materialize document after mutation", "err", err)
			m.Before = nil
		} else {
			m.After = after
			s.last = after
		}
	}
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.Observe(m)
	}
	return true, fnErr
}

func (s *Session) treeLocked() *document.Tree {
	if s.last != nil {
		return s.last
	}
	t, err := document.Materialize(s.doc)
	if err != nil {
		s.logger.Error("failed to materialize document", "err", err)
		return nil
	}
	s.last = t
	return t
}

// Tree returns the current document tree.
func (s *Session) Tree() (*document.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		return s.last, nil
	}
	t, err := document.Materialize(s.doc)
	if err != nil {
		return nil, err
	}
	s.last = t
	return t, nil
}

// Serialize returns a full snapshot reflecting every update applied so far.
func (s *Session) Serialize() []byte {
	raw, _ := s.Snapshot()
	return raw
}

// Snapshot returns a full snapshot together with the version it reflects, for use with MarkSaved.
func (s *Session) Snapshot() ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save(), s.version
}

func (s *Session) Heads() []automerge.ChangeHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Heads()
}

// Fork returns an independent copy of the document, optionally as of the given heads.
func (s *Session) Fork(asOf ...automerge.ChangeHash) (*automerge.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Fork(asOf...)
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Dirty reports whether there are mutations no successful save has covered yet.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version > s.savedVersion
}

// MarkSaved records that a snapshot taken at version has been persisted.
func (s *Session) MarkSaved(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.savedVersion {
		s.savedVersion = version
	}
}

// Subscribe registers an observer for all future mutations and returns a function that removes it. While any observer
// is subscribed each mutation materializes the whole document tree once.
func (s *Session) Subscribe(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Close drops all observers. Any later mutation fails with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.observers = make(map[int]Observer)
	s.last = nil
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
