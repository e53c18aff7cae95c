package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	chatService "github.com/zhouzirui/chat-canvas/backend/internal/service/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
	"github.com/zhouzirui/chat-canvas/backend/internal/store/memory"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req generation.Request) (*generation.Response, error) {
	return &generation.Response{Answer: "echo: " + req.Query, ConversationID: "conv-1"}, nil
}

func (echoGenerator) Stream(context.Context, generation.Request) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func setupRouter(t *testing.T) (*chi.Mux, *memory.Store) {
	t.Helper()
	st := memory.New()
	registry := chatService.NewRegistry(st, echoGenerator{}, nil, 0, zap.NewNop())
	t.Cleanup(registry.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := r.Header.Get("X-User"); user != "" {
				r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{ID: user}))
			}
			next.ServeHTTP(w, r)
		})
	})
	New(registry, zap.NewNop()).RegisterRoutes(r)
	return r, st
}

func do(t *testing.T, r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestListRequiresIdentity(t *testing.T) {
	r, _ := setupRouter(t)

	resp := do(t, r, http.MethodGet, "/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestViewRootCreatesFirstChat(t *testing.T) {
	r, st := setupRouter(t)

	resp := do(t, r, http.MethodPost, "/chats/view", "u1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[struct {
		Current *chat.Session `json:"current"`
	}](t, resp)
	require.NotNil(t, body.Current)
	assert.Equal(t, chat.SentinelTitle, body.Current.Title)

	resp = do(t, r, http.MethodPost, "/chats/view", "u1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	sessions, err := st.ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSendMessageFlow(t *testing.T) {
	r, _ := setupRouter(t)

	resp := do(t, r, http.MethodPost, "/chats", "u1", nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	created := decode[chat.Session](t, resp)

	resp = do(t, r, http.MethodPost, "/chats/"+created.ID+"/messages", "u1", map[string]string{"content": "hello there"})
	require.Equal(t, http.StatusCreated, resp.Code)
	exchange := decode[chatService.Exchange](t, resp)
	assert.Equal(t, "hello there", exchange.User.Content)
	assert.Equal(t, "echo: hello there", exchange.Assistant.Content)

	resp = do(t, r, http.MethodGet, "/chats", "u1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	state := decode[chatService.State](t, resp)
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, "hello there", state.Sessions[0].Title)
	assert.Len(t, state.Sessions[0].Messages, 2)
	assert.Equal(t, "conv-1", state.Conversations[created.ID])
}

func TestSendRejectsEmptyContent(t *testing.T) {
	r, _ := setupRouter(t)
	created := decode[chat.Session](t, do(t, r, http.MethodPost, "/chats", "u1", nil))

	resp := do(t, r, http.MethodPost, "/chats/"+created.ID+"/messages", "u1", map[string]string{"content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestOtherUsersChatIsNotFound(t *testing.T) {
	r, _ := setupRouter(t)
	created := decode[chat.Session](t, do(t, r, http.MethodPost, "/chats", "u1", nil))

	resp := do(t, r, http.MethodGet, "/chats/"+created.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.JSONEq(t, `{"error":"Chat not found"}`, resp.Body.String())

	resp = do(t, r, http.MethodDelete, "/chats/"+created.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, r, http.MethodPost, "/chats/"+created.ID+"/messages", "u2", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDeleteReturnsReplacement(t *testing.T) {
	r, _ := setupRouter(t)
	older := decode[chat.Session](t, do(t, r, http.MethodPost, "/chats", "u1", nil))
	newer := decode[chat.Session](t, do(t, r, http.MethodPost, "/chats", "u1", nil))

	resp := do(t, r, http.MethodDelete, "/chats/"+newer.ID, "u1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[struct {
		Current *chat.Session `json:"current"`
	}](t, resp)
	require.NotNil(t, body.Current)
	assert.Equal(t, older.ID, body.Current.ID)
}

func TestSelectExistingChat(t *testing.T) {
	r, _ := setupRouter(t)
	first := decode[chat.Session](t, do(t, r, http.MethodPost, "/chats", "u1", nil))
	_ = decode[chat.Session](t, do(t, r, http.MethodPost, "/chats", "u1", nil))

	resp := do(t, r, http.MethodGet, "/chats/"+first.ID, "u1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, first.ID, decode[chat.Session](t, resp).ID)
}

func TestSendRejectsMalformedBody(t *testing.T) {
	r, _ := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/chats/x/messages", strings.NewReader("{"))
	req.Header.Set("X-User", "u1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
