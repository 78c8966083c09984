package document

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// RootKey is the key in the automerge root map that holds the document node.
const RootKey = "doc"

var (
	ErrNoSuchNode   = errors.New("no such node")
	ErrNotTextBlock = errors.New("node is not a text block")
	ErrNotContainer = errors.New("node is not a container")
)

// Materialize reads the automerge document into a Tree. A document without a root node yields an empty doc node.
func Materialize(doc *automerge.Doc) (*Tree, error) {
	v, err := doc.Path(RootKey).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read root: %w", err)
	}
	if v.Kind() != automerge.KindMap {
		return &Tree{Root: Container(TypeDoc)}, nil
	}
	root, err := readNode(v.Map())
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

func readNode(m *automerge.Map) (Node, error) {
	var n Node

	typ, err := m.Get("type")
	if err != nil {
		return n, fmt.Errorf("failed to read node type: %w", err)
	}
	if typ.Kind() == automerge.KindStr {
		n.Type = typ.Str()
	}

	attrs, err := m.Get("attrs")
	if err != nil {
		return n, fmt.Errorf("failed to read attrs of %s: %w", n.Type, err)
	}
	if attrs.Kind() == automerge.KindMap {
		keys, err := attrs.Map().Keys()
		if err != nil {
			return n, fmt.Errorf("failed to list attrs of %s: %w", n.Type, err)
		}
		for _, k := range keys {
			av, err := attrs.Map().Get(k)
			if err != nil {
				return n, fmt.Errorf("failed to read attr %s: %w", k, err)
			}
			switch av.Kind() {
			case automerge.KindStr:
				if n.Attrs == nil {
					n.Attrs = make(map[string]string)
				}
				n.Attrs[k] = av.Str()
			case automerge.KindVoid, automerge.KindNull:
			default:
				if n.Attrs == nil {
					n.Attrs = make(map[string]string)
				}
				n.Attrs[k] = fmt.Sprint(av.Interface())
			}
		}
	}

	text, err := m.Get("text")
	if err != nil {
		return n, fmt.Errorf("failed to read text of %s: %w", n.Type, err)
	}
	if text.Kind() == automerge.KindText {
		s, err := text.Text().Get()
		if err != nil {
			return n, fmt.Errorf("failed to read text of %s: %w", n.Type, err)
		}
		n.Text = &s
	}

	content, err := m.Get("content")
	if err != nil {
		return n, fmt.Errorf("failed to read content of %s: %w", n.Type, err)
	}
	if content.Kind() == automerge.KindList {
		l := content.List()
		n.Content = make([]Node, 0, l.Len())
		for i := 0; i < l.Len(); i++ {
			cv, err := l.Get(i)
			if err != nil {
				return n, fmt.Errorf("failed to read child %d of %s: %w", i, n.Type, err)
			}
			if cv.Kind() != automerge.KindMap {
				continue
			}
			child, err := readNode(cv.Map())
			if err != nil {
				return n, err
			}
			n.Content = append(n.Content, child)
		}
	}
	return n, nil
}

func encodeNode(n Node) map[string]interface{} {
	out := map[string]interface{}{"type": n.Type}
	if len(n.Attrs) > 0 {
		attrs := make(map[string]interface{}, len(n.Attrs))
		for k, v := range n.Attrs {
			attrs[k] = v
		}
		out["attrs"] = attrs
	}
	if n.Text != nil {
		out["text"] = automerge.NewText(*n.Text)
	}
	if n.Content != nil {
		children := make([]interface{}, 0, len(n.Content))
		for _, c := range n.Content {
			children = append(children, encodeNode(c))
		}
		out["content"] = children
	}
	return out
}

// nodePath converts an index path (child indexes from the root down) into an automerge path.
func nodePath(path []int) []interface{} {
	out := make([]interface{}, 0, 1+2*len(path))
	out = append(out, RootKey)
	for _, i := range path {
		out = append(out, "content", i)
	}
	return out
}

func with(base []interface{}, extra ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(base)+len(extra))
	return append(append(out, base...), extra...)
}

// Editor is the local edit path into an automerge document. Nodes are addressed by index paths: []int{2} is the third
// top level block, []int{2, 0} its first child.
type Editor struct {
	doc *automerge.Doc
}

func NewEditor(doc *automerge.Doc) *Editor {
	return &Editor{doc: doc}
}

// Init creates the empty document structure if the document has none yet.
func (e *Editor) Init() error {
	v, err := e.doc.Path(RootKey).Get()
	if err != nil {
		return fmt.Errorf("failed to read root: %w", err)
	}
	if v.Kind() == automerge.KindMap {
		return nil
	}
	if err := e.doc.Path(RootKey).Set(encodeNode(EmptyTree().Root)); err != nil {
		return fmt.Errorf("failed to init document: %w", err)
	}
	return nil
}

func (e *Editor) children(parent []int) (*automerge.List, error) {
	v, err := e.doc.Path(with(nodePath(parent), "content")...).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: %v", ErrNotContainer, parent)
	}
	return v.List(), nil
}

func (e *Editor) text(path []int) (*automerge.Text, error) {
	v, err := e.doc.Path(with(nodePath(path), "text")...).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read text: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return nil, fmt.Errorf("%w: %v", ErrNotTextBlock, path)
	}
	return v.Text(), nil
}

// Len returns the number of children of the container at parent.
func (e *Editor) Len(parent []int) (int, error) {
	l, err := e.children(parent)
	if err != nil {
		return 0, err
	}
	return l.Len(), nil
}

// InsertBlock inserts n as the index-th child of the container at parent.
func (e *Editor) InsertBlock(parent []int, index int, n Node) error {
	l, err := e.children(parent)
	if err != nil {
		return err
	}
	if index < 0 || index > l.Len() {
		return fmt.Errorf("%w: index %d of %v", ErrNoSuchNode, index, parent)
	}
	if err := l.Insert(index, encodeNode(n)); err != nil {
		return fmt.Errorf("failed to insert %s: %w", n.Type, err)
	}
	return nil
}

// AppendBlock adds n after the last child of the container at parent.
func (e *Editor) AppendBlock(parent []int, n Node) error {
	l, err := e.children(parent)
	if err != nil {
		return err
	}
	return e.InsertBlock(parent, l.Len(), n)
}

func (e *Editor) InsertImage(parent []int, index int, attrs ImageAttrs) error {
	return e.InsertBlock(parent, index, Image(attrs))
}

// DeleteBlock removes the node at path along with everything below it.
func (e *Editor) DeleteBlock(path []int) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: the root cannot be deleted", ErrNoSuchNode)
	}
	parent, index := path[:len(path)-1], path[len(path)-1]
	l, err := e.children(parent)
	if err != nil {
		return err
	}
	if index < 0 || index >= l.Len() {
		return fmt.Errorf("%w: %v", ErrNoSuchNode, path)
	}
	if err := l.Delete(index); err != nil {
		return fmt.Errorf("failed to delete %v: %w", path, err)
	}
	return nil
}

func (e *Editor) InsertText(path []int, offset int, s string) error {
	t, err := e.text(path)
	if err != nil {
		return err
	}
	if offset < 0 || offset > t.Len() {
		offset = t.Len()
	}
	if err := t.Insert(offset, s); err != nil {
		return fmt.Errorf("failed to insert text into %v: %w", path, err)
	}
	return nil
}

func (e *Editor) DeleteText(path []int, offset, count int) error {
	t, err := e.text(path)
	if err != nil {
		return err
	}
	if offset < 0 || offset >= t.Len() || count <= 0 {
		return nil
	}
	if offset+count > t.Len() {
		count = t.Len() - offset
	}
	if err := t.Delete(offset, count); err != nil {
		return fmt.Errorf("failed to delete text from %v: %w", path, err)
	}
	return nil
}

// SetAttr sets a string attribute on the node at path.
func (e *Editor) SetAttr(path []int, key, value string) error {
	nv, err := e.doc.Path(nodePath(path)...).Get()
	if err != nil {
		return fmt.Errorf("failed to read node: %w", err)
	}
	if nv.Kind() != automerge.KindMap {
		return fmt.Errorf("%w: %v", ErrNoSuchNode, path)
	}
	attrs, err := nv.Map().Get("attrs")
	if err != nil {
		return fmt.Errorf("failed to read attrs: %w", err)
	}
	if attrs.Kind() != automerge.KindMap {
		return nv.Map().Set("attrs", map[string]interface{}{key: value})
	}
	return attrs.Map().Set(key, value)
}
