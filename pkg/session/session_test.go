package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

type loaderFunc func(ctx context.Context, roomID string) ([]byte, error)

func (f loaderFunc) LoadState(ctx context.Context, roomID string) ([]byte, error) {
	return f(ctx, roomID)
}

func absent(context.Context, string) ([]byte, error) {
	return nil, store.ErrNotFound
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), loaderFunc(absent), "room", Options{})
	require.NoError(t, err)
	return s
}

func insertText(text string) func(ed *document.Editor) error {
	return func(ed *document.Editor) error {
		return ed.InsertText([]int{0}, -1, text)
	}
}

func TestOpen_AbsentStartsEmptyDocument(t *testing.T) {
	s := newTestSession(t)
	tree, err := s.Tree()
	require.NoError(t, err)
	assert.Equal(t, string(document.EmptyTree().Canonical()), string(tree.Canonical()))
	assert.True(t, s.Dirty(), "the initial structure still has to be persisted")
}

func TestOpen_CorruptState(t *testing.T) {
	corrupt := loaderFunc(func(context.Context, string) ([]byte, error) {
		return []byte("definitely not automerge"), nil
	})

	_, err := Open(context.Background(), corrupt, "room", Options{})
	assert.ErrorIs(t, err, ErrCorruptState)

	s, err := Open(context.Background(), corrupt, "room", Options{RecoverEmpty: true})
	require.NoError(t, err)
	tree, err := s.Tree()
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Size())
}

func TestOpen_LoaderFailure(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := Open(context.Background(), loaderFunc(func(context.Context, string) ([]byte, error) {
		return nil, boom
	}), "room", Options{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCorruptState)
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	a := newTestSession(t)
	b, err := FromState("room", a.Serialize(), Options{})
	require.NoError(t, err)

	update, err := a.Edit(insertText("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, update)

	changed, err := b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	assert.True(t, changed)
	version := b.Version()

	changed, err = b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, version, b.Version())

	tree, err := b.Tree()
	require.NoError(t, err)
	assert.Equal(t, "hello", tree.PlainText())
}

func TestApplyUpdate_Invalid(t *testing.T) {
	s := newTestSession(t)
	before := s.Serialize()

	_, err := s.ApplyUpdate(nil, OriginRemote)
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	_, err = s.ApplyUpdate([]byte{0xde, 0xad, 0xbe, 0xef}, OriginRemote)
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	assert.Equal(t, before, s.Serialize())
}

func TestApplyUpdate_RejectsMalformedChunks(t *testing.T) {
	base := newTestSession(t)
	a, err := FromState("room", base.Serialize(), Options{})
	require.NoError(t, err)
	valid, err := a.Edit(insertText("hi"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), valid...)
	corrupted[len(corrupted)-1] ^= 0xff

	tests := []struct {
		name   string
		update []byte
	}{
		{"magic then garbage", []byte{0x85, 0x6f, 0x4a, 0x83, 0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}},
		{"valid chunk then trailing bytes", append(append([]byte(nil), valid...), 0xff, 0xff, 0xff, 0x00, 0x13)},
		{"valid chunk then a truncated chunk", append(append([]byte(nil), valid...), valid[:len(valid)/2]...)},
		{"body does not match checksum", corrupted},
		{"unknown chunk type", append([]byte{0x85, 0x6f, 0x4a, 0x83, 0, 0, 0, 0, 0x07, 0x00}, valid...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := FromState("room", base.Serialize(), Options{})
			require.NoError(t, err)
			before := b.Serialize()

			changed, err := b.ApplyUpdate(tt.update, OriginRemote)
			assert.ErrorIs(t, err, ErrInvalidUpdate)
			assert.False(t, changed)
			assert.Equal(t, before, b.Serialize())
			tree, err := b.Tree()
			require.NoError(t, err)
			assert.Empty(t, tree.PlainText())
		})
	}
}

func TestApplyUpdate_AcceptsFullSave(t *testing.T) {
	a := newTestSession(t)
	b, err := FromState("room", a.Serialize(), Options{})
	require.NoError(t, err)
	_, err = a.Edit(insertText("whole document"))
	require.NoError(t, err)

	changed, err := b.ApplyUpdate(a.Serialize(), OriginRemote)
	require.NoError(t, err)
	assert.True(t, changed)
	tree, err := b.Tree()
	require.NoError(t, err)
	assert.Equal(t, "whole document", tree.PlainText())
}

func TestSession_Closed(t *testing.T) {
	s := newTestSession(t)
	s.Close()
	_, err := s.Edit(insertText("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_DirtyTracking(t *testing.T) {
	s := newTestSession(t)
	raw, version := s.Snapshot()
	require.NotEmpty(t, raw)
	s.MarkSaved(version)
	assert.False(t, s.Dirty())

	_, err := s.Edit(insertText("x"))
	require.NoError(t, err)
	assert.True(t, s.Dirty())

	_, later := s.Snapshot()
	s.MarkSaved(version)
	assert.True(t, s.Dirty(), "an older save does not clean newer mutations")
	s.MarkSaved(later)
	assert.False(t, s.Dirty())
}

func TestSubscribe_ReceivesOriginsInOrder(t *testing.T) {
	a := newTestSession(t)
	b, err := FromState("room", a.Serialize(), Options{})
	require.NoError(t, err)

	var got []Mutation
	unsubscribe := b.Subscribe(ObserverFunc(func(m Mutation) {
		got = append(got, m)
	}))

	update, err := a.Edit(insertText("remote"))
	require.NoError(t, err)
	_, err = b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	_, err = b.Edit(insertText(" local"))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, OriginRemote, got[0].Origin)
	assert.Equal(t, "", got[0].Before.PlainText())
	assert.Equal(t, "remote", got[0].After.PlainText())
	assert.Equal(t, OriginLocal, got[1].Origin)
	assert.Same(t, got[0].After, got[1].Before)
	assert.Equal(t, "remote local", got[1].After.PlainText())

	unsubscribe()
	_, err = b.Edit(insertText("!"))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSubscribe_ReusesMaterializedTree(t *testing.T) {
	a := newTestSession(t)
	b, err := FromState("room", a.Serialize(), Options{})
	require.NoError(t, err)

	var got []Mutation
	b.Subscribe(ObserverFunc(func(m Mutation) {
		got = append(got, m)
	}))

	update, err := a.Edit(insertText("once"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = b.ApplyUpdate(update, OriginRemote)
		require.NoError(t, err)
	}
	require.Len(t, got, 1, "duplicate updates are not mutations")

	tree, err := b.Tree()
	require.NoError(t, err)
	assert.Same(t, got[0].After, tree, "reads are served from the tree built for observers")

	_, err = b.Edit(insertText(" more"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Same(t, got[0].After, got[1].Before)
	assert.Equal(t, "once more", got[1].After.PlainText())
}

func TestEdit_PartialFailureStillReturnsUpdate(t *testing.T) {
	s := newTestSession(t)
	boom := errors.New("boom")
	update, err := s.Edit(func(ed *document.Editor) error {
		if err := ed.InsertText([]int{0}, 0, "kept"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, update)
}

func deliver(t *testing.T, to *Session, updates [][]byte) {
	t.Helper()
	for _, u := range updates {
		_, err := to.ApplyUpdate(u, OriginRemote)
		require.NoError(t, err)
	}
}

func TestConvergence(t *testing.T) {
	scripts := []struct {
		name string
		a    []func(ed *document.Editor) error
		b    []func(ed *document.Editor) error
	}{
		{
			name: "concurrent text at the same offset",
			a:    []func(ed *document.Editor) error{insertText("left")},
			b:    []func(ed *document.Editor) error{insertText("right")},
		},
		{
			name: "image insert against block delete",
			a: []func(ed *document.Editor) error{func(ed *document.Editor) error {
				return ed.InsertImage(nil, 1, document.ImageAttrs{Src: "a.png"})
			}},
			b: []func(ed *document.Editor) error{
				func(ed *document.Editor) error { return ed.AppendBlock(nil, document.Paragraph("b")) },
				func(ed *document.Editor) error { return ed.DeleteBlock([]int{0}) },
			},
		},
		{
			name: "interleaved multi step edits",
			a: []func(ed *document.Editor) error{
				insertText("1"),
				func(ed *document.Editor) error { return ed.AppendBlock(nil, document.Heading("h")) },
				insertText("2"),
			},
			b: []func(ed *document.Editor) error{
				insertText("x"),
				func(ed *document.Editor) error { return ed.InsertImage(nil, 0, document.ImageAttrs{Src: "b.png"}) },
				func(ed *document.Editor) error { return ed.SetAttr([]int{0}, "alt", "b") },
			},
		},
	}

	// split: how many of the other side's updates each replica sees before making its own edits
	for _, tt := range scripts {
		for _, split := range []int{0, 1, len(tt.a)} {
			t.Run(fmt.Sprintf("%s/split=%d", tt.name, split), func(t *testing.T) {
				base := newTestSession(t)
				a, err := FromState("room", base.Serialize(), Options{})
				require.NoError(t, err)
				b, err := FromState("room", base.Serialize(), Options{})
				require.NoError(t, err)

				var fromA, fromB [][]byte
				for i, fn := range tt.a {
					u, err := a.Edit(fn)
					require.NoError(t, err)
					fromA = append(fromA, u)
					if i+1 == split {
						deliver(t, b, fromA)
					}
				}
				for _, fn := range tt.b {
					u, err := b.Edit(fn)
					require.NoError(t, err)
					fromB = append(fromB, u)
				}

				deliver(t, b, fromA)
				deliver(t, a, fromB)

				ta, err := a.Tree()
				require.NoError(t, err)
				tb, err := b.Tree()
				require.NoError(t, err)
				assert.Equal(t, string(ta.Canonical()), string(tb.Canonical()))
				assert.ElementsMatch(t, a.Heads(), b.Heads())
			})
		}
	}
}

func TestSerialize_ConsistentUnderConcurrentUpdates(t *testing.T) {
	writer := newTestSession(t)
	reader, err := FromState("room", writer.Serialize(), Options{})
	require.NoError(t, err)

	var updates [][]byte
	for i := 0; i < 50; i++ {
		u, err := writer.Edit(insertText("x"))
		require.NoError(t, err)
		updates = append(updates, u)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, u := range updates {
			_, err := reader.ApplyUpdate(u, OriginRemote)
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 20; i++ {
		snapshot, err := FromState("room", reader.Serialize(), Options{})
		require.NoError(t, err)
		tree, err := snapshot.Tree()
		require.NoError(t, err)
		for _, r := range tree.PlainText() {
			require.Equal(t, 'x', r)
		}
	}
	wg.Wait()

	tree, err := reader.Tree()
	require.NoError(t, err)
	assert.Len(t, tree.PlainText(), 50)
}
