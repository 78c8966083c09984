package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/session"
)

func TestInspect_RendersHistory(t *testing.T) {
	sess, err := session.New("room", session.Options{})
	require.NoError(t, err)
	_, err = sess.Edit(func(ed *document.Editor) error {
		return ed.InsertImage(nil, 1, document.ImageAttrs{Src: "https://example.com/a.png"})
	})
	require.NoError(t, err)

	svg := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, inspect(sess.Serialize(), false, svg))
	raw, err := os.ReadFile(svg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")

	assert.Error(t, inspect([]byte("nope"), false, ""))
}

func TestInspect_Args(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"inspect"})
	assert.ErrorContains(t, cmd.Execute(), "expected either a file argument or --room")
}
