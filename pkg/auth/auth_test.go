package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAuthenticate_Token(t *testing.T) {
	a := New("test-secret")
	token, err := a.Issue("user-1", "Ada", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "user-1", Name: "Ada"}, id)

	r = httptest.NewRequest(http.MethodGet, "/rooms/abc/sync?token="+token, nil)
	id, err = a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
}

func TestAuthenticate_Rejects(t *testing.T) {
	a := New("test-secret")
	expired, err := a.Issue("user-1", "", -time.Minute)
	require.NoError(t, err)
	foreign, err := New("other-secret").Issue("user-1", "", time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing"},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong secret", header: "Bearer " + foreign},
		{name: "unsigned", header: "Bearer " + none},
		{name: "garbage", header: "Bearer not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/rooms", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := a.Authenticate(r)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestAuthenticate_DevMode(t *testing.T) {
	a := New("")
	require.True(t, a.DevMode())

	r := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	r.Header.Set("X-Actor", "alice")
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)

	id, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/rooms/x/sync?actor=bob", nil))
	require.NoError(t, err)
	assert.Equal(t, "bob", id.ID)

	_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	a := New("")
	handler := a.Middleware(setupTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id.ID))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	r.Header.Set("X-Actor", "carol")
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "carol", rec.Body.String())
}
