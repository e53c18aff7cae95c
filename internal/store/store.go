// Package store defines the persistence boundary for chat sessions and
// their messages. Every operation is scoped to the owning identity.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrIdentityMissing = errors.New("user identity is required")
	ErrInvalidRow      = errors.New("invalid row")
)

// Store is the row-level CRUD surface consumed by the reconciler.
type Store interface {
	CreateSession(ctx context.Context, userID string) (chat.Session, error)
	ListSessions(ctx context.Context, userID string) ([]chat.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (chat.Session, error)
	// InsertMessage persists msg and, when title is non-empty, replaces the
	// session title in the same operation if it still holds the sentinel.
	// It returns the stored message and the session title afterwards.
	InsertMessage(ctx context.Context, userID string, msg chat.Message, title string) (chat.Message, string, error)
	SetConversation(ctx context.Context, userID, sessionID, conversationID string) error
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// SessionRow is the raw shape of a chats row.
type SessionRow struct {
	ID             string
	UserID         string
	Title          string
	ConversationID *string
	CreatedAt      time.Time
}

// MessageRow is the raw shape of a messages row.
type MessageRow struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// ToSession validates a chats row and converts it into the domain type.
func ToSession(row SessionRow) (chat.Session, error) {
	if row.ID == "" || row.UserID == "" {
		return chat.Session{}, fmt.Errorf("%w: chat row without id or owner", ErrInvalidRow)
	}
	title := row.Title
	if title == "" {
		title = chat.SentinelTitle
	}
	session := chat.Session{
		ID:        row.ID,
		UserID:    row.UserID,
		Title:     title,
		Messages:  []chat.Message{},
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.ConversationID != nil {
		session.ConversationID = *row.ConversationID
	}
	return session, nil
}

// ToMessage validates a messages row and converts it into the domain type.
func ToMessage(row MessageRow) (chat.Message, error) {
	if row.ID == "" || row.ChatID == "" {
		return chat.Message{}, fmt.Errorf("%w: message row without id or chat", ErrInvalidRow)
	}
	role, err := chat.ParseRole(row.Role)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	return chat.Message{
		ID:        row.ID,
		SessionID: row.ChatID,
		Role:      role,
		Content:   row.Content,
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}
