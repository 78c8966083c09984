package assets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_DeletesQueuedURLs(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	r := NewReaper(GatewayFunc(func(_ context.Context, url string) error {
		mu.Lock()
		defer mu.Unlock()
		deleted = append(deleted, url)
		if url == "bad" {
			return errors.New("boom")
		}
		return nil
	}), ReaperOptions{Workers: 3})

	for _, url := range []string{"a", "bad", "b"} {
		assert.True(t, r.Enqueue("room", url))
	}
	require.NoError(t, r.Close(context.Background()))
	assert.ElementsMatch(t, []string{"a", "bad", "b"}, deleted)
	assert.False(t, r.Enqueue("room", "late"), "closed reapers accept nothing")
}

func TestReaper_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	r := NewReaper(GatewayFunc(func(ctx context.Context, _ string) error {
		started <- struct{}{}
		<-release
		return nil
	}), ReaperOptions{Workers: 1, QueueSize: 1})

	require.True(t, r.Enqueue("room", "in-flight"))
	<-started
	require.True(t, r.Enqueue("room", "queued"))
	assert.False(t, r.Enqueue("room", "dropped"))

	close(release)
	require.NoError(t, r.Close(context.Background()))
}

func TestReaper_CloseCancelsSlowDeletes(t *testing.T) {
	r := NewReaper(GatewayFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}), ReaperOptions{Workers: 1, Timeout: time.Hour})
	require.True(t, r.Enqueue("room", "stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}
