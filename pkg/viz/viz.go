// Package viz draws the change history of a room document.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-rooms/pkg/document"
)

// Change is one node of the history graph.
type Change struct {
	Hash   string
	Actor  string
	Seq    uint64
	Deps   []string
	Assets int
	Blocks int
}

func (c Change) Label() string {
	return fmt.Sprintf("%s %s@%d assets=%d blocks=%d", c.Hash[:8], c.Actor, c.Seq, c.Assets, c.Blocks)
}

// History returns every change of doc in causal order, together with the document as it looked right after it.
func History(doc *automerge.Doc) ([]Change, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Change, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		tree, err := document.Materialize(docAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", change.Hash(), err)
		}
		c := Change{
			Hash:   change.Hash().String(),
			Actor:  change.ActorID(),
			Seq:    change.ActorSeq(),
			Blocks: len(tree.Root.Content),
		}
		for _, n := range tree.AssetRefs() {
			c.Assets += n
		}
		for _, dep := range change.Dependencies() {
			c.Deps = append(c.Deps, dep.String())
		}
		out = append(out, c)
	}
	return out, nil
}

// WriteDot prints the history as a graphviz digraph.
func WriteDot(w io.Writer, history []Change) error {
	var buf bytes.Buffer
	buf.WriteString("digraph \"history\" {\n")
	for _, c := range history {
		fmt.Fprintf(&buf, "    %q [label=%q]\n", c.Hash, c.Label())
		for _, dep := range c.Deps {
			fmt.Fprintf(&buf, "    %q -> %q\n", dep, c.Hash)
		}
	}
	buf.WriteString("}\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// RenderSVG lays out the history with graphviz and writes it as SVG.
func RenderSVG(w io.Writer, history []Change) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(history))
	edgeCounter := 0
	for _, c := range history {
		n, err := graph.CreateNode(c.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(c.Label())
		nodeMap[c.Hash] = n

		for _, dep := range c.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToFile renders the history of doc to an SVG file.
func RenderToFile(doc *automerge.Doc, outputPath string) error {
	history, err := History(doc)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := RenderSVG(&buf, history); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
