// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/session"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

// Run exercises s. Every test uses fresh room ids so a shared database is fine.
func Run(t *testing.T, s store.Store) {
	t.Run("load absent", func(t *testing.T) { testLoadAbsent(t, s) })
	t.Run("save upserts", func(t *testing.T) { testSaveUpserts(t, s) })
	t.Run("create duplicate", func(t *testing.T) { testCreateDuplicate(t, s) })
	t.Run("list by owner", func(t *testing.T) { testListByOwner(t, s) })
	t.Run("update metadata", func(t *testing.T) { testUpdate(t, s) })
	t.Run("session round trip", func(t *testing.T) { testSessionRoundTrip(t, s) })
}

func newID() string {
	return uuid.NewString()[:18]
}

func testLoadAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.LoadState(ctx, newID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRoom(ctx, newID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSaveUpserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID()

	require.NoError(t, s.SaveState(ctx, id, []byte("first"), store.Metadata{CreatedBy: "alice"}))
	room, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTitle, room.Title)
	assert.Equal(t, "alice", room.CreatedBy)
	assert.Equal(t, []byte("first"), room.State)
	assert.Empty(t, room.Collaborators)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveState(ctx, id, []byte("second"), store.Metadata{Title: "ignored", CreatedBy: "bob"}))
	state, err := s.LoadState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), state)

	after, err := s.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTitle, after.Title, "defaults only apply on insert")
	assert.Equal(t, "alice", after.CreatedBy)
	assert.True(t, after.UpdatedAt.After(room.UpdatedAt))
	assert.Equal(t, room.CreatedAt.UnixMilli(), after.CreatedAt.UnixMilli())
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := &store.Room{ID: newID(), Title: "notes", CreatedBy: "alice", State: []byte("x")}
	require.NoError(t, s.CreateRoom(ctx, room))
	assert.ErrorIs(t, s.CreateRoom(ctx, &store.Room{ID: room.ID, Title: "other", CreatedBy: "bob"}), store.ErrAlreadyExists)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes", got.Title)
}

func testListByOwner(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := "owner-" + newID()
	first := &store.Room{ID: newID(), Title: "first", CreatedBy: owner, State: []byte("a")}
	second := &store.Room{ID: newID(), Title: "second", CreatedBy: owner, State: []byte("b")}
	require.NoError(t, s.CreateRoom(ctx, first))
	require.NoError(t, s.CreateRoom(ctx, second))
	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: newID(), Title: "someone else", CreatedBy: "other-" + owner}))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveState(ctx, first.ID, []byte("a2"), store.Metadata{}))

	rooms, err := s.ListRooms(ctx, owner)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, second.ID, rooms[0].ID)
	assert.Equal(t, first.ID, rooms[1].ID)
	assert.Nil(t, rooms[0].State)

	none, err := s.ListRooms(ctx, "nobody-"+owner)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := &store.Room{ID: newID(), Title: "before", CreatedBy: "alice", State: []byte("x")}
	require.NoError(t, s.CreateRoom(ctx, room))

	title := "after"
	got, err := s.UpdateRoom(ctx, room.ID, store.RoomUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Empty(t, got.Collaborators)

	got, err = s.UpdateRoom(ctx, room.ID, store.RoomUpdate{Collaborators: []string{"bob", "carol"}})
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, []string{"bob", "carol"}, got.Collaborators)
	assert.Equal(t, []byte("x"), got.State)

	_, err = s.UpdateRoom(ctx, newID(), store.RoomUpdate{Title: &title})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSessionRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID()

	sess, err := session.Open(ctx, s, id, session.Options{})
	require.NoError(t, err)
	_, err = sess.Edit(func(ed *document.Editor) error {
		if err := ed.InsertText([]int{0}, 0, "persist me"); err != nil {
			return err
		}
		return ed.InsertImage(nil, 1, document.ImageAttrs{Src: "https://example.com/a.png"})
	})
	require.NoError(t, err)
	before, err := sess.Tree()
	require.NoError(t, err)

	require.NoError(t, s.SaveState(ctx, id, sess.Serialize(), store.Metadata{}))

	reopened, err := session.Open(ctx, s, id, session.Options{})
	require.NoError(t, err)
	after, err := reopened.Tree()
	require.NoError(t, err)
	assert.Equal(t, string(before.Canonical()), string(after.Canonical()))
	assert.ElementsMatch(t, sess.Heads(), reopened.Heads())
	assert.False(t, reopened.Dirty())
}
