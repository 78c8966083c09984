// Package client is the replica side of a room's synchronization channel: it holds a local copy of the document,
// sends local edits, applies remote ones and keeps the local selection valid.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-rooms/pkg/assets"
	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/protocol"
	"github.com/astromechza/automerge-rooms/pkg/selection"
	"github.com/astromechza/automerge-rooms/pkg/session"
)

// ServerError is the reason the server gave before closing the connection.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server closed the connection: %s: %s", e.Code, e.Message)
}

type Options struct {
	// RoomID labels logs and cleanup jobs.
	RoomID string
	// Header is sent with the websocket handshake, typically carrying the Authorization header.
	Header http.Header
	Dialer *websocket.Dialer
	// Gateway enables asset cleanup by this replica, for servers running in client cleanup mode.
	Gateway assets.Gateway
	Logger  *slog.Logger
}

type Replica struct {
	ws     *websocket.Conn
	sess   *session.Session
	guard  *selection.Guard
	reaper *assets.Reaper
	logger *slog.Logger

	writeMu sync.Mutex

	awarenessMu sync.Mutex
	onAwareness func(payload []byte)

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects to a room's synchronization endpoint and returns once the initial snapshot has been loaded.
func Dial(ctx context.Context, url string, opts Options) (*Replica, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room", opts.RoomID)
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	sess, err := handshake(ws, opts.RoomID, logger)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	r := &Replica{
		ws:     ws,
		sess:   sess,
		guard:  selection.NewGuard(logger),
		logger: logger,
		done:   make(chan struct{}),
	}
	sess.Subscribe(r.guard)
	if opts.Gateway != nil {
		r.reaper = assets.NewReaper(opts.Gateway, assets.ReaperOptions{Logger: logger})
		sess.Subscribe(assets.NewTracker(sess.RoomID(), r.reaper, logger))
	}
	go r.readLoop()
	return r, nil
}

// handshake reads the snapshot and the synced marker the server sends to every joiner.
func handshake(ws *websocket.Conn, roomID string, logger *slog.Logger) (*session.Session, error) {
	var sess *session.Session
	for {
		f, err := protocol.ReadFrame(ws)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case protocol.TypeSnapshot:
			s, err := session.FromState(roomID, f.Payload, session.Options{Logger: logger})
			if err != nil {
				return nil, fmt.Errorf("failed to load snapshot: %w", err)
			}
			sess = s
		case protocol.TypeSynced:
			if sess == nil {
				return nil, fmt.Errorf("%w: synced before snapshot", protocol.ErrInvalidFrame)
			}
			return sess, nil
		case protocol.TypeError:
			code, message := protocol.ParseError(f.Payload)
			return nil, &ServerError{Code: code, Message: message}
		}
	}
}

func (r *Replica) readLoop() {
	defer close(r.done)
	for {
		f, err := protocol.ReadFrame(r.ws)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return
			}
			r.err = err
			return
		}
		switch f.Type {
		case protocol.TypeUpdate, protocol.TypeSnapshot:
			if _, err := r.sess.ApplyUpdate(f.Payload, session.OriginRemote); err != nil {
				r.err = err
				_ = r.ws.Close()
				return
			}
		case protocol.TypeAwareness:
			r.awarenessMu.Lock()
			fn := r.onAwareness
			r.awarenessMu.Unlock()
			if fn != nil {
				fn(f.Payload)
			}
		case protocol.TypeError:
			code, message := protocol.ParseError(f.Payload)
			r.err = &ServerError{Code: code, Message: message}
			r.logger.Warn("server closed the connection", "code", code, "message", message)
		}
	}
}

func (r *Replica) write(f protocol.Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return protocol.WriteFrame(r.ws, f)
}

// Edit applies a local edit and sends it to the room. A partially applied edit is still sent.
func (r *Replica) Edit(fn func(ed *document.Editor) error) error {
	update, editErr := r.sess.Edit(fn)
	if len(update) > 0 {
		if err := r.write(protocol.Update(update)); err != nil {
			return errors.Join(editErr, err)
		}
	}
	return editErr
}

func (r *Replica) Tree() (*document.Tree, error) {
	return r.sess.Tree()
}

func (r *Replica) Session() *session.Session {
	return r.sess
}

func (r *Replica) Selection() selection.Selection {
	return r.guard.Get()
}

func (r *Replica) SetSelection(sel selection.Selection) (selection.Selection, error) {
	tree, err := r.sess.Tree()
	if err != nil {
		return selection.Selection{}, err
	}
	return r.guard.Set(tree, sel), nil
}

func (r *Replica) SetAwareness(payload []byte) error {
	return r.write(protocol.Awareness(payload))
}

func (r *Replica) OnAwareness(fn func(payload []byte)) {
	r.awarenessMu.Lock()
	defer r.awarenessMu.Unlock()
	r.onAwareness = fn
}

// Done is closed when the connection ends. Err tells why.
func (r *Replica) Done() <-chan struct{} {
	return r.done
}

func (r *Replica) Err() error {
	<-r.done
	return r.err
}

// Close hangs up and waits for queued asset deletions.
func (r *Replica) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		_ = r.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
		}
		_ = r.ws.Close()
		<-r.done
		if r.reaper != nil {
			err = r.reaper.Close(ctx)
		}
		r.sess.Close()
	})
	return err
}
