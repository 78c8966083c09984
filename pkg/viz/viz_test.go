package viz

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/session"
)

func sampleSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New("room", session.Options{})
	require.NoError(t, err)
	_, err = s.Edit(func(ed *document.Editor) error {
		return ed.InsertImage(nil, 1, document.ImageAttrs{Src: "a.png"})
	})
	require.NoError(t, err)
	_, err = s.Edit(func(ed *document.Editor) error {
		return ed.DeleteBlock([]int{1})
	})
	require.NoError(t, err)
	return s
}

func TestHistory(t *testing.T) {
	doc, err := sampleSession(t).Fork()
	require.NoError(t, err)
	history, err := History(doc)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, []int{0, 1, 0}, []int{history[0].Assets, history[1].Assets, history[2].Assets})
	assert.Empty(t, history[0].Deps)
	assert.Equal(t, []string{history[0].Hash}, history[1].Deps)
	assert.Equal(t, uint64(3), history[2].Seq)
}

func TestWriteDot(t *testing.T) {
	doc, err := sampleSession(t).Fork()
	require.NoError(t, err)
	history, err := History(doc)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteDot(&buf, history))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, `digraph "history" {`))
	assert.Contains(t, out, history[1].Hash[:8]+" "+history[1].Actor+"@2 assets=1 blocks=2")
	assert.Equal(t, 2, strings.Count(out, "->"))
}

func TestRenderToFile(t *testing.T) {
	doc, err := sampleSession(t).Fork()
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, RenderToFile(doc, out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}
