// Package api serves the room metadata endpoints, the asset endpoints and the synchronization websocket.
package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-rooms/pkg/assets"
	"github.com/astromechza/automerge-rooms/pkg/auth"
	"github.com/astromechza/automerge-rooms/pkg/session"
	"github.com/astromechza/automerge-rooms/pkg/store"
	"github.com/astromechza/automerge-rooms/pkg/syncserver"
	"github.com/astromechza/automerge-rooms/pkg/viz"
)

const (
	maxUploadBytes = 10 << 20
	createAttempts = 5
)

// AssetStore is the gateway plus uploads, as served by GCSGateway.
type AssetStore interface {
	assets.Gateway
	Put(ctx context.Context, filename, contentType string, body io.Reader) (string, error)
}

type Options struct {
	Store  store.Store
	Sync   *syncserver.Server
	Auth   *auth.Authenticator
	// Assets may be nil, the asset endpoints then answer 503.
	Assets AssetStore
	Logger *slog.Logger
}

type Server struct {
	store    store.Store
	sync     *syncserver.Server
	auth     *auth.Authenticator
	assets   AssetStore
	logger   *slog.Logger
	validate *validator.Validate
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    opts.Store,
		sync:     opts.Sync,
		auth:     opts.Auth,
		assets:   opts.Assets,
		logger:   logger,
		validate: validator.New(),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	authed := r.NewRoute().Subrouter()
	authed.Use(s.auth.Middleware(s.logger))
	authed.Methods(http.MethodPost).Path("/rooms").HandlerFunc(s.createRoom)
	authed.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	authed.Methods(http.MethodGet).Path("/rooms/{room}").HandlerFunc(s.getRoom)
	authed.Methods(http.MethodPatch).Path("/rooms/{room}").HandlerFunc(s.updateRoom)
	authed.Methods(http.MethodGet).Path("/rooms/{room}/history.svg").HandlerFunc(s.roomHistory)
	authed.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(s.syncRoom)
	authed.Methods(http.MethodPost).Path("/assets/delete").HandlerFunc(s.deleteAsset)
	authed.Methods(http.MethodPost).Path("/assets").HandlerFunc(s.uploadAsset)
	return r
}

type roomResponse struct {
	*store.Room
	State string `json:"state,omitempty"`
}

type createRoomRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, _ := auth.FromContext(r.Context())

	for attempt := 0; attempt < createAttempts; attempt++ {
		roomID, err := newRoomID()
		if err != nil {
			s.fail(w, err)
			return
		}
		sess, err := session.New(roomID, session.Options{Logger: s.logger})
		if err != nil {
			s.fail(w, err)
			return
		}
		room := &store.Room{ID: roomID, Title: req.Title, CreatedBy: id.ID, Collaborators: []string{}, State: sess.Serialize()}
		sess.Close()
		err = s.store.CreateRoom(r.Context(), room)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		} else if err != nil {
			s.fail(w, err)
			return
		}
		s.logger.Info("created room", "room", roomID, "actor", id.ID)
		writeJSON(w, http.StatusCreated, map[string]roomResponse{"room": {Room: room, State: base64.StdEncoding.EncodeToString(room.State)}})
		return
	}
	s.fail(w, fmt.Errorf("failed to find a free room id after %d attempts", createAttempts))
}

func newRoomID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate room id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	rooms, err := s.store.ListRooms(r.Context(), id.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*store.Room{"rooms": rooms})
}

// currentState prefers the live session over what was last persisted. The snapshot is taken first: a room is only
// evicted after a clean save, so a miss means the row is current.
func (s *Server) currentState(ctx context.Context, roomID string) (*store.Room, []byte, error) {
	live, isLive := s.sync.Snapshot(roomID)
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	state := room.State
	if isLive {
		state = live
	}
	room.State = nil
	return room, state, nil
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, state, err := s.currentState(r.Context(), mux.Vars(r)["room"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(state) == 0 {
		s.fail(w, fmt.Errorf("room %s has an empty state", room.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]roomResponse{"room": {Room: room, State: base64.StdEncoding.EncodeToString(state)}})
}

type updateRoomRequest struct {
	Title         *string  `json:"title" validate:"omitempty,min=1,max=200"`
	Collaborators []string `json:"collaborators" validate:"omitempty,dive,required"`
	// State is a base64 automerge save or change set, merged into the live document.
	State *string `json:"state" validate:"omitempty,base64"`
}

func (s *Server) updateRoom(w http.ResponseWriter, r *http.Request) {
	var req updateRoomRequest
	if !s.decode(w, r, &req) {
		return
	}
	roomID := mux.Vars(r)["room"]
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if req.State != nil {
		raw, err := base64.StdEncoding.DecodeString(*req.State)
		if err != nil {
			s.fail(w, fmt.Errorf("%w: %v", session.ErrInvalidUpdate, err))
			return
		}
		id, _ := auth.FromContext(r.Context())
		if err := s.sync.Submit(r.Context(), roomID, raw, store.Metadata{Title: room.Title, CreatedBy: id.ID}); err != nil {
			s.fail(w, err)
			return
		}
	}
	if req.Title != nil || req.Collaborators != nil {
		if room, err = s.store.UpdateRoom(r.Context(), roomID, store.RoomUpdate{Title: req.Title, Collaborators: req.Collaborators}); err != nil {
			s.fail(w, err)
			return
		}
	}
	room.State = nil
	writeJSON(w, http.StatusOK, map[string]roomResponse{"room": {Room: room}})
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request) {
	_, state, err := s.currentState(r.Context(), mux.Vars(r)["room"])
	if err != nil {
		s.fail(w, err)
		return
	}
	doc, err := automerge.Load(state)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", session.ErrCorruptState, err))
		return
	}
	history, err := viz.History(doc)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.RenderSVG(w, history); err != nil {
		s.logger.Error("failed to render history", "err", err)
	}
}

func (s *Server) syncRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	s.sync.ServeWS(w, r, mux.Vars(r)["room"], id)
}

type deleteAssetRequest struct {
	URL string `json:"url" validate:"required"`
}

func (s *Server) deleteAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusServiceUnavailable, "asset storage is not configured")
		return
	}
	var req deleteAssetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.assets.Delete(r.Context(), req.URL); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) uploadAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusServiceUnavailable, "asset storage is not configured")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing name")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := s.assets.Put(r.Context(), name, contentType, http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps err onto a status code. Anything unexpected is logged and hidden behind a 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, session.ErrInvalidUpdate), errors.Is(err, assets.ErrForeignURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, session.ErrCorruptState), errors.Is(err, syncserver.ErrRoomBusy):
		s.logger.Error("room unavailable", "err", err)
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, syncserver.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
