//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
	"github.com/zhouzirui/chat-canvas/backend/internal/store/postgres"
)

func openStore(t *testing.T) *postgres.Store {
	t.Helper()

	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := zap.NewNop()
	require.NoError(t, postgres.RunMigrations(databaseURL, logger))

	pool, err := postgres.NewPool(context.Background(), databaseURL, postgres.PoolConfig{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return postgres.New(pool, logger)
}

func TestStore_Integration(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()

	t.Run("CreateListDelete", func(t *testing.T) {
		older, err := s.CreateSession(ctx, userID)
		require.NoError(t, err)
		newer, err := s.CreateSession(ctx, userID)
		require.NoError(t, err)

		_, title, err := s.InsertMessage(ctx, userID, chat.Message{SessionID: older.ID, Role: chat.RoleUser, Content: "hi"}, "hi")
		require.NoError(t, err)
		assert.Equal(t, "hi", title)
		_, _, err = s.InsertMessage(ctx, userID, chat.Message{SessionID: older.ID, Role: chat.RoleAssistant, Content: "hello"}, "")
		require.NoError(t, err)

		sessions, err := s.ListSessions(ctx, userID)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, newer.ID, sessions[0].ID)
		require.Len(t, sessions[1].Messages, 2)
		assert.Equal(t, chat.RoleUser, sessions[1].Messages[0].Role)

		require.NoError(t, s.DeleteSession(ctx, userID, older.ID))
		require.NoError(t, s.DeleteSession(ctx, userID, newer.ID))

		sessions, err = s.ListSessions(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("Ownership", func(t *testing.T) {
		session, err := s.CreateSession(ctx, userID)
		require.NoError(t, err)
		defer s.DeleteSession(ctx, userID, session.ID) //nolint:errcheck

		err = s.DeleteSession(ctx, "someone-else", session.ID)
		assert.ErrorIs(t, err, store.ErrSessionNotFound)

		err = s.SetConversation(ctx, "someone-else", session.ID, "conv")
		assert.ErrorIs(t, err, store.ErrSessionNotFound)

		require.NoError(t, s.SetConversation(ctx, userID, session.ID, "conv"))
		got, err := s.GetSession(ctx, userID, session.ID)
		require.NoError(t, err)
		assert.Equal(t, "conv", got.ConversationID)
	})
}
