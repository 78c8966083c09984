package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/assets"
	"github.com/astromechza/automerge-rooms/pkg/auth"
	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/protocol"
	"github.com/astromechza/automerge-rooms/pkg/selection"
	"github.com/astromechza/automerge-rooms/pkg/store"
	"github.com/astromechza/automerge-rooms/pkg/store/sqlite"
	"github.com/astromechza/automerge-rooms/pkg/syncserver"
)

const waitFor = 5 * time.Second

func setupTestServer(t *testing.T, opts syncserver.Options) (string, *sqlite.Storage) {
	t.Helper()
	st, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "rooms.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts.SaveInterval = 20 * time.Millisecond
	srv := syncserver.New(st, opts)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeWS(w, r, r.URL.Query().Get("room"), auth.Identity{ID: "tester"})
	}))
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/?room=", st
}

func dial(t *testing.T, base, room string, opts Options) *Replica {
	t.Helper()
	opts.RoomID = room
	r, err := Dial(context.Background(), base+room, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func eventuallyText(t *testing.T, r *Replica, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		tree, err := r.Tree()
		return err == nil && tree.PlainText() == want
	}, waitFor, 5*time.Millisecond)
}

func TestReplicas_Converge(t *testing.T) {
	base, _ := setupTestServer(t, syncserver.Options{})
	a := dial(t, base, "room", Options{})
	b := dial(t, base, "room", Options{})

	require.NoError(t, a.Edit(func(ed *document.Editor) error { return ed.InsertText([]int{0}, 0, "left") }))
	require.NoError(t, b.Edit(func(ed *document.Editor) error { return ed.InsertText([]int{0}, 0, "right") }))

	require.Eventually(t, func() bool {
		ta, errA := a.Tree()
		tb, errB := b.Tree()
		if errA != nil || errB != nil {
			return false
		}
		return len(ta.PlainText()) == len("leftright") && string(ta.Canonical()) == string(tb.Canonical())
	}, waitFor, 5*time.Millisecond)
}

func TestReplica_SelectionHealsOnRemoteDelete(t *testing.T) {
	base, _ := setupTestServer(t, syncserver.Options{})
	a := dial(t, base, "room", Options{})
	b := dial(t, base, "room", Options{})

	require.NoError(t, a.Edit(func(ed *document.Editor) error { return ed.InsertText([]int{0}, 0, "hello world") }))
	eventuallyText(t, b, "hello world")

	sel, err := b.SetSelection(selection.Text(7, 13))
	require.NoError(t, err)
	require.Equal(t, selection.Text(7, 13), sel)

	require.NoError(t, a.Edit(func(ed *document.Editor) error { return ed.DeleteText([]int{0}, 5, 6) }))
	eventuallyText(t, b, "hello")
	assert.Equal(t, selection.Text(7, 7), b.Selection())
}

func TestReplica_Awareness(t *testing.T) {
	base, _ := setupTestServer(t, syncserver.Options{})
	a := dial(t, base, "room", Options{})
	b := dial(t, base, "room", Options{})

	got := make(chan string, 1)
	b.OnAwareness(func(payload []byte) { got <- string(payload) })
	require.NoError(t, a.SetAwareness([]byte("alice@3")))
	select {
	case p := <-got:
		assert.Equal(t, "alice@3", p)
	case <-time.After(waitFor):
		t.Fatal("no awareness received")
	}
}

func TestReplica_ClientCleanupMode(t *testing.T) {
	base, _ := setupTestServer(t, syncserver.Options{CleanupMode: syncserver.CleanupClient})
	var mu sync.Mutex
	var deleted []string
	gw := assets.GatewayFunc(func(_ context.Context, url string) error {
		mu.Lock()
		defer mu.Unlock()
		deleted = append(deleted, url)
		return nil
	})
	a := dial(t, base, "room", Options{Gateway: gw})
	b := dial(t, base, "room", Options{Gateway: gw})

	require.NoError(t, a.Edit(func(ed *document.Editor) error {
		return ed.InsertImage(nil, 1, document.ImageAttrs{Src: "foo.png"})
	}))
	require.Eventually(t, func() bool {
		tree, err := b.Tree()
		return err == nil && tree.AssetRefs()["foo.png"] == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, b.Edit(func(ed *document.Editor) error { return ed.DeleteBlock([]int{1}) }))
	require.Eventually(t, func() bool {
		tree, err := a.Tree()
		return err == nil && len(tree.AssetRefs()) == 0
	}, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"foo.png"}, deleted, "only the replica that removed the image deletes it")
}

func TestDial_CorruptRoom(t *testing.T) {
	base, st := setupTestServer(t, syncserver.Options{})
	require.NoError(t, st.SaveState(context.Background(), "broken", []byte("garbage"), store.Metadata{}))

	_, err := Dial(context.Background(), base+"broken", Options{})
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.CodeCorruptState, serverErr.Code)
}
