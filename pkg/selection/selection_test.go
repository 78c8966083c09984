package selection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/session"
	"github.com/astromechza/automerge-rooms/pkg/store"
)

// doc > paragraph("hello") image paragraph("x"): positions 0..7 paragraph, 7 image, 8..11 paragraph, size 11
func sampleTree() *document.Tree {
	return &document.Tree{Root: document.Container(document.TypeDoc,
		document.Paragraph("hello"),
		document.Image(document.ImageAttrs{Src: "a.png"}),
		document.Paragraph("x"),
	)}
}

func TestHeal(t *testing.T) {
	tree := sampleTree()
	require.Equal(t, 11, tree.Size())

	tests := []struct {
		name string
		in   Selection
		want Selection
	}{
		{name: "valid caret", in: Caret(3), want: Caret(3)},
		{name: "valid range", in: Text(1, 11), want: Text(1, 11)},
		{name: "caret past the end", in: Caret(40), want: Caret(11)},
		{name: "range with one end outside", in: Text(2, 40), want: Text(2, 11)},
		{name: "negative anchor", in: Text(-3, 4), want: Text(0, 4)},
		{name: "node still there", in: Node(7), want: Node(7)},
		{name: "node inside text", in: Node(3), want: Caret(3)},
		{name: "node past the end", in: Node(30), want: Caret(11)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Heal(tree, tt.in))
		})
	}
}

func TestHeal_EmptyTree(t *testing.T) {
	assert.Equal(t, Caret(0), Heal(&document.Tree{Root: document.Container(document.TypeDoc)}, Node(1)))
	assert.Equal(t, Caret(2), Heal(document.EmptyTree(), Text(5, 9)))
}

func TestGuard_HealsAfterRemoteDelete(t *testing.T) {
	ctx := context.Background()
	absent := func(context.Context, string) ([]byte, error) { return nil, store.ErrNotFound }
	local, err := session.Open(ctx, loader(absent), "room", session.Options{})
	require.NoError(t, err)
	_, err = local.Edit(func(ed *document.Editor) error {
		if err := ed.InsertText([]int{0}, 0, "hello"); err != nil {
			return err
		}
		return ed.InsertImage(nil, 1, document.ImageAttrs{Src: "a.png"})
	})
	require.NoError(t, err)
	remote, err := session.FromState("room", local.Serialize(), session.Options{})
	require.NoError(t, err)

	tree, err := local.Tree()
	require.NoError(t, err)
	guard := NewGuard(nil)
	defer local.Subscribe(guard)()
	assert.Equal(t, Node(7), guard.Set(tree, Node(7)))

	update, err := remote.Edit(func(ed *document.Editor) error {
		return ed.DeleteBlock([]int{1})
	})
	require.NoError(t, err)
	_, err = local.ApplyUpdate(update, session.OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, Caret(7), guard.Get())

	update, err = remote.Edit(func(ed *document.Editor) error {
		return ed.DeleteText([]int{0}, 0, 5)
	})
	require.NoError(t, err)
	_, err = local.ApplyUpdate(update, session.OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, Caret(2), guard.Get())
}

type loader func(ctx context.Context, roomID string) ([]byte, error)

func (l loader) LoadState(ctx context.Context, roomID string) ([]byte, error) {
	return l(ctx, roomID)
}
