package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-rooms/pkg/auth"
	"github.com/astromechza/automerge-rooms/pkg/protocol"
	"github.com/astromechza/automerge-rooms/pkg/session"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

const writeWait = 10 * time.Second

type conn struct {
	id     string
	actor  auth.Identity
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// enqueue queues a frame without blocking and reports false when the buffer is full. Only the room goroutine calls it.
func (c *conn) enqueue(f protocol.Frame) bool {
	select {
	case c.send <- protocol.Encode(f):
		return true
	default:
		return false
	}
}

// ServeWS upgrades the request and runs the synchronization channel of actor in roomID until either side hangs up.
// The caller has already authenticated actor.
func (s *Server) ServeWS(w http.ResponseWriter, req *http.Request, roomID string, actor auth.Identity) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer ws.Close()

	c := &conn{
		id:    uuid.NewString(),
		actor: actor,
		ws:    ws,
		send:  make(chan []byte, s.opts.SendBuffer),
	}
	c.logger = s.logger.With("room", roomID, "conn", c.id, "actor", actor.ID)

	r, err := s.acquire(req.Context(), roomID, store.Metadata{CreatedBy: actor.ID})
	if err != nil {
		code := protocol.CodeUnavailable
		switch {
		case errors.Is(err, session.ErrCorruptState):
			code = protocol.CodeCorruptState
			c.logger.Error("room state is corrupt, refusing to serve it", "err", err)
		case errors.Is(err, ErrRoomBusy):
			code = protocol.CodeRoomBusy
			c.logger.Warn("room is held elsewhere", "err", err)
		case errors.Is(err, ErrShuttingDown):
			code = protocol.CodeShutdown
		default:
			c.logger.Error("failed to load room", "err", err)
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = protocol.WriteFrame(ws, protocol.Error(code, err.Error()))
		return
	}
	defer s.release(r)

	if !send(r, r.register, c) {
		return
	}
	activeConnections.Inc()
	defer activeConnections.Dec()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(c)
	}()

	s.readPump(req.Context(), r, c)
	// closing the send buffer lets the writer flush what is queued, including a final error frame
	send(r, r.unregister, c)
	<-writerDone
}

func (s *Server) readPump(ctx context.Context, r *room, c *conn) {
	pongWait := 2 * s.opts.PingInterval
	c.ws.SetReadLimit(s.opts.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limit := rate.Inf
	if s.opts.UpdatesPerSecond > 0 {
		limit = rate.Limit(s.opts.UpdatesPerSecond)
	}
	limiter := rate.NewLimiter(limit, max(1, int(s.opts.UpdatesPerSecond)))

	for {
		f, err := protocol.ReadFrame(c.ws)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) {
				send(r, r.inbound, inbound{from: c, err: err})
			} else if !websocket.IsCloseError(errors.Unwrap(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		switch f.Type {
		case protocol.TypeUpdate:
			if !send(r, r.inbound, inbound{from: c, update: f.Payload}) {
				return
			}
		case protocol.TypeAwareness:
			if !send(r, r.awareness, awareness{from: c, payload: f.Payload}) {
				return
			}
		default:
			send(r, r.inbound, inbound{from: c, err: fmt.Errorf("%w: unexpected %s frame", protocol.ErrInvalidFrame, f.Type)})
			return
		}
	}
}

func (s *Server) writePump(c *conn) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logger.Debug("write failed", "err", fmt.Errorf("failed to write message: %w", err))
				return
			}
		case <-t.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
