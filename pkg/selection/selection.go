// Package selection keeps a replica's cursor valid while the document changes underneath it.
package selection

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/session"
)

type Kind int

const (
	KindText Kind = iota
	KindNode
)

// Selection is either a text range between Anchor and Head (equal for a caret) or a node selection of the node
// starting at Pos.
type Selection struct {
	Kind   Kind
	Anchor int
	Head   int
	Pos    int
}

func Text(anchor, head int) Selection {
	return Selection{Kind: KindText, Anchor: anchor, Head: head}
}

func Caret(pos int) Selection {
	return Text(pos, pos)
}

func Node(pos int) Selection {
	return Selection{Kind: KindNode, Pos: pos}
}

func (s Selection) String() string {
	if s.Kind == KindNode {
		return fmt.Sprintf("node(%d)", s.Pos)
	}
	return fmt.Sprintf("text(%d,%d)", s.Anchor, s.Head)
}

// Valid reports whether sel still addresses something that exists in tree.
func Valid(tree *document.Tree, sel Selection) bool {
	size := tree.Size()
	if sel.Kind == KindNode {
		_, ok := tree.NodeAt(sel.Pos)
		return ok
	}
	return inRange(sel.Anchor, size) && inRange(sel.Head, size)
}

// Heal maps a selection that no longer fits the tree onto the nearest valid one. A node selection that lost its node
// collapses to a caret, a text selection gets both ends clamped to the document.
func Heal(tree *document.Tree, sel Selection) Selection {
	if Valid(tree, sel) {
		return sel
	}
	size := tree.Size()
	if sel.Kind == KindNode {
		return Caret(clamp(sel.Pos, size))
	}
	return Text(clamp(sel.Anchor, size), clamp(sel.Head, size))
}

func inRange(pos, size int) bool {
	return pos >= 0 && pos <= size
}

func clamp(pos, size int) int {
	return max(0, min(pos, size))
}

// Guard heals the selection it holds after every mutation of the session it observes, whatever the origin.
type Guard struct {
	mu     sync.Mutex
	sel    Selection
	logger *slog.Logger
}

var _ session.Observer = (*Guard)(nil)

func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{sel: Caret(0), logger: logger}
}

func (g *Guard) Observe(m session.Mutation) {
	if m.After == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	healed := Heal(m.After, g.sel)
	if healed != g.sel {
		g.logger.Debug("healed selection", "from", g.sel, "to", healed, "origin", m.Origin)
		g.sel = healed
	}
}

func (g *Guard) Get() Selection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sel
}

// Set replaces the selection, healing it against tree first when one is given.
func (g *Guard) Set(tree *document.Tree, sel Selection) Selection {
	if tree != nil {
		sel = Heal(tree, sel)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sel = sel
	return sel
}
