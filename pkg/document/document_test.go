package document

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_Size(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want int
	}{
		{name: "empty paragraph", node: Paragraph(""), want: 2},
		{name: "paragraph", node: Paragraph("hello"), want: 7},
		{name: "multibyte text counts runes", node: Paragraph("héllo"), want: 7},
		{name: "image leaf", node: Image(ImageAttrs{Src: "a.png"}), want: 1},
		{name: "empty container", node: Container(TypeBlockquote), want: 2},
		{name: "nested", node: Container(TypeBlockquote, Paragraph("ab"), Image(ImageAttrs{Src: "x"})), want: 2 + 4 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.node.Size())
		})
	}
}

func TestTree_NodeAt(t *testing.T) {
	tree := &Tree{Root: Container(TypeDoc,
		Paragraph("ab"),                   // 0..4
		Image(ImageAttrs{Src: "one.png"}), // 4..5
		Container(TypeBlockquote, // 5..13
			Image(ImageAttrs{Src: "two.png"}), // 6..7
			Paragraph("xyz"),                  // 7..12
		),
	)}
	require.Equal(t, 4+1+2+1+5, tree.Size())

	n, ok := tree.NodeAt(0)
	require.True(t, ok)
	assert.Equal(t, TypeParagraph, n.Type)

	n, ok = tree.NodeAt(4)
	require.True(t, ok)
	assert.Equal(t, "one.png", n.Attrs["src"])

	n, ok = tree.NodeAt(6)
	require.True(t, ok)
	assert.Equal(t, "two.png", n.Attrs["src"])

	_, ok = tree.NodeAt(2)
	assert.False(t, ok, "inside text is not a node start")
	_, ok = tree.NodeAt(tree.Size())
	assert.False(t, ok)
	_, ok = tree.NodeAt(-1)
	assert.False(t, ok)
}

func TestTree_AssetRefs(t *testing.T) {
	tree := &Tree{Root: Container(TypeDoc,
		Image(ImageAttrs{Src: "a.png"}),
		Paragraph("text"),
		Container(TypeBlockquote, Image(ImageAttrs{Src: "a.png"}), Image(ImageAttrs{Src: "b.png"})),
		Image(ImageAttrs{}),
	)}
	assert.Equal(t, map[string]int{"a.png": 2, "b.png": 1}, tree.AssetRefs())
	assert.Empty(t, EmptyTree().AssetRefs())
}

func TestEditor_InitIsIdempotent(t *testing.T) {
	doc := automerge.New()
	ed := NewEditor(doc)
	require.NoError(t, ed.Init())
	require.NoError(t, ed.Init())

	tree, err := Materialize(doc)
	require.NoError(t, err)
	assert.Equal(t, string(EmptyTree().Canonical()), string(tree.Canonical()))
}

func TestEditor_Edits(t *testing.T) {
	doc := automerge.New()
	ed := NewEditor(doc)
	require.NoError(t, ed.Init())

	require.NoError(t, ed.InsertText([]int{0}, 0, "hello"))
	require.NoError(t, ed.InsertImage(nil, 1, ImageAttrs{Src: "foo.png", Alt: "foo"}))
	require.NoError(t, ed.AppendBlock(nil, Container(TypeBlockquote, Paragraph("quoted"))))
	require.NoError(t, ed.InsertImage([]int{2}, 0, ImageAttrs{Src: "bar.png"}))
	require.NoError(t, ed.SetAttr([]int{1}, "width", "640"))
	require.NoError(t, ed.DeleteText([]int{0}, 1, 3))

	tree, err := Materialize(doc)
	require.NoError(t, err)
	assert.Equal(t, "ho\nquoted", tree.PlainText())
	assert.Equal(t, map[string]int{"foo.png": 1, "bar.png": 1}, tree.AssetRefs())
	assert.Equal(t, "640", tree.Root.Content[1].Attrs["width"])
	assert.Equal(t, "foo", tree.Root.Content[1].Attrs["alt"])

	require.NoError(t, ed.DeleteBlock([]int{1}))
	tree, err = Materialize(doc)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bar.png": 1}, tree.AssetRefs())
}

func TestEditor_Errors(t *testing.T) {
	doc := automerge.New()
	ed := NewEditor(doc)
	require.NoError(t, ed.Init())

	assert.ErrorIs(t, ed.DeleteBlock([]int{5}), ErrNoSuchNode)
	assert.ErrorIs(t, ed.DeleteBlock(nil), ErrNoSuchNode)
	assert.ErrorIs(t, ed.InsertBlock(nil, 7, Paragraph("x")), ErrNoSuchNode)
	require.NoError(t, ed.InsertImage(nil, 1, ImageAttrs{Src: "a.png"}))
	assert.ErrorIs(t, ed.InsertText([]int{1}, 0, "x"), ErrNotTextBlock)
	assert.ErrorIs(t, ed.InsertBlock([]int{0}, 0, Paragraph("x")), ErrNotContainer)
}

func TestMaterialize_EmptyDocument(t *testing.T) {
	tree, err := Materialize(automerge.New())
	require.NoError(t, err)
	assert.Equal(t, TypeDoc, tree.Root.Type)
	assert.Equal(t, 0, tree.Size())
}
