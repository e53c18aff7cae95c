package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := r.URL.Query().Get("user"); user != "" {
				r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{ID: user}))
			}
			next.ServeHTTP(w, r)
		})
	})
	hub.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return conn
}

func TestNavigatorReachesOnlyThatIdentity(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	srv := newTestServer(t, hub)

	mine := dial(t, srv, "u1")
	defer mine.Close()
	theirs := dial(t, srv, "u2")
	defer theirs.Close()

	require.Eventually(t, func() bool {
		return hub.Connections("u1") == 1 && hub.Connections("u2") == 1
	}, time.Second, 5*time.Millisecond)

	hub.Navigator("u1").Navigate("/chat/abc")

	var msg Message
	require.NoError(t, mine.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, mine.ReadJSON(&msg))
	assert.Equal(t, Message{Type: "navigate", Path: "/chat/abc"}, msg)

	require.NoError(t, theirs.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := theirs.ReadMessage()
	assert.Error(t, err)
}

func TestHubForgetsClosedSockets(t *testing.T) {
	hub := NewHub([]string{"*"}, zap.NewNop())
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return hub.Connections("u1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connections("u1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubRejectsAnonymous(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	srv := newTestServer(t, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubChecksOrigin(t *testing.T) {
	hub := NewHub([]string{"*", "http://app.local"}, zap.NewNop())
	srv := newTestServer(t, hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?user=u1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.local"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	for _, origin := range []string{"http://app.local", srv.URL} {
		conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
		require.NoError(t, err, origin)
		_ = resp.Body.Close()
		require.NoError(t, conn.Close())
	}
	require.Eventually(t, func() bool { return hub.Connections("u1") == 0 }, time.Second, 5*time.Millisecond)
}
