package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-rooms/pkg/store/storetest"
)

func TestStorage(t *testing.T) {
	url := os.Getenv("ROOMS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("ROOMS_TEST_POSTGRES_URL is not set")
	}
	s, err := New(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()

	storetest.Run(t, s)
}
