package syncserver

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/astromechza/automerge-rooms/pkg/lease"
	"github.com/astromechza/automerge-rooms/pkg/protocol"
	"github.com/astromechza/automerge-rooms/pkg/session"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

type inbound struct {
	// from is nil for updates submitted outside of a connection
	from   *conn
	update []byte
	reply  chan error
	// err is set when the frame could not be read as an update at all
	err error
}

type awareness struct {
	from    *conn
	payload []byte
}

type saveResult struct {
	version uint64
	err     error
}

type stopRequest struct {
	ctx   context.Context
	reply chan error
}

type room struct {
	id     string
	server *Server
	sess   *session.Session
	lease  lease.Lease
	meta   store.Metadata
	logger *slog.Logger

	// refs is guarded by server.mu
	refs int

	register   chan *conn
	unregister chan *conn
	inbound    chan inbound
	awareness  chan awareness
	released   chan struct{}
	saved      chan saveResult
	stop       chan stopRequest
	done       chan struct{}

	state       atomic.Int32
	unsubscribe func()

	// owned by the room goroutine
	conns          map[*conn]struct{}
	saving         bool
	pending        bool
	updatesPending int
	evicted        bool
}

func newRoom(s *Server, id string, sess *session.Session, l lease.Lease, meta store.Metadata, logger *slog.Logger) *room {
	r := &room{
		id:          id,
		server:      s,
		sess:        sess,
		lease:       l,
		meta:        meta,
		logger:      logger,
		register:    make(chan *conn),
		unregister:  make(chan *conn),
		inbound:     make(chan inbound),
		awareness:   make(chan awareness),
		released:    make(chan struct{}),
		saved:       make(chan saveResult, 1),
		stop:        make(chan stopRequest),
		done:        make(chan struct{}),
		unsubscribe: func() {},
		conns:       make(map[*conn]struct{}),
	}
	r.state.Store(int32(StateActive))
	return r
}

func (r *room) State() RoomState {
	return RoomState(r.state.Load())
}

// send hands v to the room goroutine, giving up once the room has stopped.
func send[T any](r *room, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) run() {
	defer r.server.wg.Done()
	t := time.NewTicker(r.server.opts.SaveInterval)
	defer t.Stop()

	for !r.evicted {
		select {
		case c := <-r.register:
			r.join(c)
		case c := <-r.unregister:
			r.leave(c)
		case in := <-r.inbound:
			r.apply(in)
		case aw := <-r.awareness:
			r.relay(aw)
		case <-r.released:
			r.requestSave("release")
		case res := <-r.saved:
			r.onSaved(res)
		case <-t.C:
			r.requestSave("interval")
		case <-r.lease.Lost():
			r.abandon()
			return
		case req := <-r.stop:
			req.reply <- r.shutdown(req.ctx)
			return
		}
	}
}

func (r *room) join(c *conn) {
	r.conns[c] = struct{}{}
	c.enqueue(protocol.Snapshot(r.sess.Serialize()))
	c.enqueue(protocol.Synced())
	c.logger.Info("joined room", "connections", len(r.conns))
}

func (r *room) leave(c *conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	close(c.send)
	c.logger.Info("left room", "connections", len(r.conns))
}

// fail sends a final error frame to c and disconnects it.
func (r *room) fail(c *conn, code, message string) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	c.enqueue(protocol.Error(code, message))
	r.leave(c)
}

func (r *room) apply(in inbound) {
	if in.err != nil {
		updatesTotal.WithLabelValues("invalid").Inc()
		in.from.logger.Warn("closing connection after invalid frame", "err", in.err)
		r.fail(in.from, protocol.CodeInvalidInput, in.err.Error())
		return
	}
	changed, err := r.sess.ApplyUpdate(in.update, r.server.origin())
	if in.reply != nil {
		in.reply <- err
	}
	if err != nil {
		updatesTotal.WithLabelValues("invalid").Inc()
		r.logger.Warn("rejected update", "err", err, "bytes", len(in.update))
		if in.from != nil {
			if errors.Is(err, session.ErrInvalidUpdate) {
				r.fail(in.from, protocol.CodeInvalidInput, err.Error())
			} else {
				r.fail(in.from, protocol.CodeUnavailable, err.Error())
			}
		}
		return
	}
	if changed {
		updatesTotal.WithLabelValues("applied").Inc()
		r.updatesPending++
	} else {
		updatesTotal.WithLabelValues("duplicate").Inc()
	}

	// relayed even when nothing changed here: the update may still be queued on missing dependencies
	frame := protocol.Update(in.update)
	for c := range r.conns {
		if c == in.from {
			continue
		}
		if !c.enqueue(frame) {
			slowConsumers.Inc()
			c.logger.Warn("dropping slow connection")
			r.leave(c)
		}
	}

	if r.updatesPending >= r.server.opts.SaveEveryUpdates {
		r.requestSave("updates")
	}
}

func (r *room) relay(aw awareness) {
	frame := protocol.Awareness(aw.payload)
	for c := range r.conns {
		if c == aw.from {
			continue
		}
		if !c.enqueue(frame) {
			slowConsumers.Inc()
			r.leave(c)
		}
	}
}

// requestSave starts a save of the current snapshot, or queues one behind the save in flight. A clean room is
// evicted instead when nobody holds it.
func (r *room) requestSave(reason string) {
	if !r.sess.Dirty() {
		r.maybeEvict()
		return
	}
	if r.saving {
		r.pending = true
		return
	}
	raw, version := r.sess.Snapshot()
	r.saving = true
	r.updatesPending = 0
	r.state.Store(int32(StateSaving))
	r.logger.Debug("saving room", "reason", reason, "version", version, "bytes", len(raw))

	timeout := r.server.opts.SaveTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r.saved <- saveResult{version: version, err: r.server.save(ctx, r.id, raw, r.meta)}
	}()
}

func (r *room) onSaved(res saveResult) {
	r.saving = false
	r.state.Store(int32(StateActive))
	if res.err != nil {
		r.logger.Error("failed to save room", "version", res.version, "err", res.err)
	} else {
		r.sess.MarkSaved(res.version)
		r.logger.Info("saved room", "version", res.version)
	}
	if r.pending {
		r.pending = false
		r.requestSave("queued")
		return
	}
	if res.err == nil {
		r.maybeEvict()
	}
}

func (r *room) maybeEvict() {
	if r.saving || r.sess.Dirty() || len(r.conns) > 0 {
		return
	}
	if !r.server.tryEvict(r) {
		return
	}
	r.close()
	r.logger.Info("evicted room")
}

func (r *room) close() {
	r.evicted = true
	r.state.Store(int32(StateUnloaded))
	close(r.done)
	r.unsubscribe()
	r.sess.Close()
	activeRooms.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx); err != nil {
		r.logger.Error("failed to release lease", "err", err)
	}
}

// abandon unloads the room after its lease was lost. Connections are told to come back later, and unsaved changes
// are merged with whatever the new holder may have persisted before they are saved.
func (r *room) abandon() {
	leasesLost.Inc()
	r.logger.Error("lease lost, unloading room", "connections", len(r.conns), "dirty", r.sess.Dirty())
	for c := range r.conns {
		r.fail(c, protocol.CodeRoomBusy, "room was taken over by another server")
	}
	if r.saving {
		res := <-r.saved
		r.saving = false
		if res.err == nil {
			r.sess.MarkSaved(res.version)
		}
	}

	if r.sess.Dirty() {
		ctx, cancel := context.WithTimeout(context.Background(), r.server.opts.SaveTimeout)
		defer cancel()
		persisted, err := r.server.store.LoadState(ctx, r.id)
		switch {
		case err == nil:
			if _, err := r.sess.ApplyUpdate(persisted, session.OriginLoad); err != nil {
				r.logger.Error("failed to merge persisted state", "err", err)
			}
		case !errors.Is(err, store.ErrNotFound):
			r.logger.Error("failed to read persisted state", "err", err)
		}
		raw, version := r.sess.Snapshot()
		if err := r.server.save(ctx, r.id, raw, r.meta); err != nil {
			r.logger.Error("failed final save", "err", err)
		} else {
			r.sess.MarkSaved(version)
		}
	}

	r.server.mu.Lock()
	if r.server.rooms[r.id] == r {
		delete(r.server.rooms, r.id)
	}
	r.server.mu.Unlock()
	r.close()
}

func (r *room) shutdown(ctx context.Context) error {
	for c := range r.conns {
		r.fail(c, protocol.CodeShutdown, "server is shutting down")
	}
	if r.saving {
		select {
		case res := <-r.saved:
			r.saving = false
			if res.err == nil {
				r.sess.MarkSaved(res.version)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	if r.sess.Dirty() {
		raw, version := r.sess.Snapshot()
		if err = r.server.save(ctx, r.id, raw, r.meta); err == nil {
			r.sess.MarkSaved(version)
		} else {
			r.logger.Error("failed final save", "err", err)
		}
	}

	r.server.mu.Lock()
	if r.server.rooms[r.id] == r {
		delete(r.server.rooms, r.id)
	}
	r.server.mu.Unlock()
	r.close()
	return err
}
