package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
)

func TestToSessionDefaultsTitle(t *testing.T) {
	conv := "conv-1"
	session, err := ToSession(SessionRow{ID: "s1", UserID: "u1", ConversationID: &conv, CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, chat.SentinelTitle, session.Title)
	assert.Equal(t, "conv-1", session.ConversationID)
	assert.NotNil(t, session.Messages)
}

func TestToSessionRejectsMissingOwner(t *testing.T) {
	_, err := ToSession(SessionRow{ID: "s1"})
	assert.ErrorIs(t, err, ErrInvalidRow)
}

func TestToMessageRejectsUnknownRole(t *testing.T) {
	_, err := ToMessage(MessageRow{ID: "m1", ChatID: "s1", Role: "system", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidRow)

	msg, err := ToMessage(MessageRow{ID: "m1", ChatID: "s1", Role: "assistant", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAssistant, msg.Role)
	assert.Equal(t, "s1", msg.SessionID)
}
