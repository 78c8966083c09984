package document

import (
	"encoding/json"
	"unicode/utf8"
)

const (
	TypeDoc        = "doc"
	TypeParagraph  = "paragraph"
	TypeHeading    = "heading"
	TypeBlockquote = "blockquote"
	TypeImage      = "image"

	// DefaultImageWidth matches what the editing surface renders when no width was chosen.
	DefaultImageWidth = "300"
)

// Node is a materialised, read-only view of one node in the document tree.
//
// A node with Text != nil is a text block, a node with Content != nil is a container and anything else is a leaf
// (for example an image). Positions follow the usual rich text editor convention: a leaf occupies 1 position, text
// blocks and containers occupy 2 positions for their boundaries plus their inner size.
type Node struct {
	Type    string            `json:"type"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Text    *string           `json:"text,omitempty"`
	Content []Node            `json:"content,omitempty"`
}

func Paragraph(text string) Node {
	return Node{Type: TypeParagraph, Text: &text}
}

func Heading(text string) Node {
	return Node{Type: TypeHeading, Text: &text}
}

func Container(typ string, children ...Node) Node {
	if children == nil {
		children = []Node{}
	}
	return Node{Type: typ, Content: children}
}

// ImageAttrs are the attributes carried by an image node. Src is the embedded asset reference.
type ImageAttrs struct {
	Src   string
	Alt   string
	Width string
}

func Image(attrs ImageAttrs) Node {
	if attrs.Width == "" {
		attrs.Width = DefaultImageWidth
	}
	a := map[string]string{"src": attrs.Src, "width": attrs.Width}
	if attrs.Alt != "" {
		a["alt"] = attrs.Alt
	}
	return Node{Type: TypeImage, Attrs: a}
}

// Size returns the number of positions the node occupies in its parent.
func (n Node) Size() int {
	switch {
	case n.Text != nil:
		return 2 + utf8.RuneCountInString(*n.Text)
	case n.Content != nil:
		s := 2
		for _, c := range n.Content {
			s += c.Size()
		}
		return s
	default:
		return 1
	}
}

// Tree is a point-in-time snapshot of a whole document.
type Tree struct {
	Root Node
}

// EmptyTree is the structure every new room starts with.
func EmptyTree() *Tree {
	return &Tree{Root: Container(TypeDoc, Paragraph(""))}
}

// Size is the size of the document content, the upper bound of any valid position.
func (t *Tree) Size() int {
	if t == nil {
		return 0
	}
	s := 0
	for _, c := range t.Root.Content {
		s += c.Size()
	}
	return s
}

// NodeAt returns the node that starts exactly at pos.
func (t *Tree) NodeAt(pos int) (Node, bool) {
	if t == nil || pos < 0 {
		return Node{}, false
	}
	return nodeAt(t.Root.Content, pos, 0)
}

func nodeAt(children []Node, pos, start int) (Node, bool) {
	p := start
	for _, c := range children {
		if pos == p {
			return c, true
		}
		end := p + c.Size()
		if pos < end {
			if c.Content != nil {
				return nodeAt(c.Content, pos, p+1)
			}
			return Node{}, false
		}
		p = end
	}
	return Node{}, false
}

// Walk visits every node depth first, the root included.
func (t *Tree) Walk(fn func(n Node)) {
	if t == nil {
		return
	}
	var walk func(n Node)
	walk = func(n Node) {
		fn(n)
		for _, c := range n.Content {
			walk(c)
		}
	}
	walk(t.Root)
}

// AssetRefs returns the multiset of embedded asset references: image src to the number of nodes holding it.
func (t *Tree) AssetRefs() map[string]int {
	counts := make(map[string]int)
	t.Walk(func(n Node) {
		if n.Type != TypeImage {
			return
		}
		if src := n.Attrs["src"]; src != "" {
			counts[src]++
		}
	})
	return counts
}

// Canonical returns a stable encoding of the tree. Two replicas holding the same document produce identical bytes.
func (t *Tree) Canonical() []byte {
	if t == nil {
		return []byte("null")
	}
	// attrs are maps, encoding/json sorts their keys
	raw, _ := json.Marshal(t.Root)
	return raw
}

// PlainText joins the text of all text blocks with newlines, handy for logging and tests.
func (t *Tree) PlainText() string {
	var out []byte
	t.Walk(func(n Node) {
		if n.Text == nil {
			return
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, *n.Text...)
	})
	return string(out)
}
