package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
	"github.com/zhouzirui/chat-canvas/backend/internal/store/memory"
)

func TestCreateAndListNewestFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "u2")
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
	assert.Equal(t, chat.SentinelTitle, sessions[0].Title)
	assert.Empty(t, sessions[0].Messages)
}

func TestInsertMessageRespectsOwnership(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)

	_, _, err = s.InsertMessage(ctx, "u2", chat.Message{SessionID: session.ID, Role: chat.RoleUser, Content: "hi"}, "")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	err = s.DeleteSession(ctx, "u2", session.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	_, err = s.GetSession(ctx, "u2", session.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestInsertMessageSetsTitleOnlyOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)

	_, title, err := s.InsertMessage(ctx, "u1", chat.Message{SessionID: session.ID, Role: chat.RoleUser, Content: "first"}, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", title)

	_, title, err = s.InsertMessage(ctx, "u1", chat.Message{SessionID: session.ID, Role: chat.RoleUser, Content: "second"}, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", title)

	got, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got[0].Messages, 2)
	assert.Equal(t, "first", got[0].Messages[0].Content)
	assert.Equal(t, "second", got[0].Messages[1].Content)
}

func TestDeleteCascadesMessages(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	_, _, err = s.InsertMessage(ctx, "u1", chat.Message{SessionID: session.ID, Role: chat.RoleUser, Content: "hi"}, "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "u1", session.ID))

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, _, err = s.InsertMessage(ctx, "u1", chat.Message{SessionID: session.ID, Role: chat.RoleUser, Content: "late"}, "")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestSetConversation(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.SetConversation(ctx, "u1", session.ID, "conv-1"))

	got, err := s.GetSession(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)
}

func TestMissingIdentity(t *testing.T) {
	s := memory.New()
	_, err := s.CreateSession(context.Background(), "")
	assert.ErrorIs(t, err, store.ErrIdentityMissing)
}
