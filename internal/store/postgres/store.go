// Package postgres implements store.Store on top of a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store persists chats and messages in postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New wraps an open pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger.Named("store")}
}

func (s *Store) CreateSession(ctx context.Context, userID string) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, store.ErrIdentityMissing
	}

	var row store.SessionRow
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chats (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, title, conversation_id, created_at`,
		uuid.NewString(), userID, chat.SentinelTitle,
	).Scan(&row.ID, &row.UserID, &row.Title, &row.ConversationID, &row.CreatedAt)
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert chat: %w", err)
	}

	return store.ToSession(row)
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	if userID == "" {
		return nil, store.ErrIdentityMissing
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, conversation_id, created_at
		FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	sessionRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SessionRow, error) {
		var r store.SessionRow
		err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.ConversationID, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan chats: %w", err)
	}

	sessions := make([]chat.Session, 0, len(sessionRows))
	index := make(map[string]int, len(sessionRows))
	ids := make([]string, 0, len(sessionRows))
	for _, r := range sessionRows {
		session, err := store.ToSession(r)
		if err != nil {
			s.logger.Warn("skipping malformed chat row", zap.String("chat_id", r.ID), zap.Error(err))
			continue
		}
		index[session.ID] = len(sessions)
		ids = append(ids, session.ID)
		sessions = append(sessions, session)
	}
	if len(ids) == 0 {
		return sessions, nil
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, created_at
		FROM messages
		WHERE chat_id = ANY($1)
		ORDER BY created_at, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	messageRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MessageRow, error) {
		var r store.MessageRow
		err := row.Scan(&r.ID, &r.ChatID, &r.Role, &r.Content, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}

	for _, r := range messageRows {
		msg, err := store.ToMessage(r)
		if err != nil {
			s.logger.Warn("skipping malformed message row", zap.String("message_id", r.ID), zap.Error(err))
			continue
		}
		i, ok := index[msg.SessionID]
		if !ok {
			continue
		}
		sessions[i].Messages = append(sessions[i].Messages, msg)
	}

	return sessions, nil
}

func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (chat.Session, error) {
	var row store.SessionRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, conversation_id, created_at
		FROM chats
		WHERE id = $1 AND user_id = $2`, sessionID, userID,
	).Scan(&row.ID, &row.UserID, &row.Title, &row.ConversationID, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get chat: %w", err)
	}
	return store.ToSession(row)
}

func (s *Store) InsertMessage(ctx context.Context, userID string, msg chat.Message, title string) (chat.Message, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Message{}, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	err = tx.QueryRow(ctx, `
		SELECT title FROM chats
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, msg.SessionID, userID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, "", store.ErrSessionNotFound
	}
	if err != nil {
		return chat.Message{}, "", fmt.Errorf("lock chat: %w", err)
	}

	var row store.MessageRow
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, chat_id, role, content, created_at`,
		uuid.NewString(), msg.SessionID, string(msg.Role), msg.Content,
	).Scan(&row.ID, &row.ChatID, &row.Role, &row.Content, &row.CreatedAt)
	if err != nil {
		return chat.Message{}, "", fmt.Errorf("insert message: %w", err)
	}

	if title != "" && current == chat.SentinelTitle {
		if _, err := tx.Exec(ctx, `UPDATE chats SET title = $1 WHERE id = $2`, title, msg.SessionID); err != nil {
			return chat.Message{}, "", fmt.Errorf("update chat title: %w", err)
		}
		current = title
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, "", fmt.Errorf("commit message: %w", err)
	}

	stored, err := store.ToMessage(row)
	if err != nil {
		return chat.Message{}, "", err
	}
	return stored, current, nil
}

func (s *Store) SetConversation(ctx context.Context, userID, sessionID, conversationID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chats SET conversation_id = NULLIF($1, '')
		WHERE id = $2 AND user_id = $3`, conversationID, sessionID, userID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}
