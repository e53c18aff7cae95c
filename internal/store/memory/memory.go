// Package memory provides an in-process Store used when no database is
// configured and throughout the tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
)

type sessionRecord struct {
	session chat.Session
	seq     uint64
}

// Store keeps chats and messages in maps guarded by a single lock.
type Store struct {
	mu       sync.RWMutex
	seq      uint64
	sessions map[string]*sessionRecord
	messages map[string][]chat.Message
	now      func() time.Time
}

// New bootstraps an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*sessionRecord),
		messages: make(map[string][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession provisions an untitled session for userID.
func (s *Store) CreateSession(_ context.Context, userID string) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, store.ErrIdentityMissing
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     chat.SentinelTitle,
		Messages:  []chat.Message{},
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.seq++
	s.sessions[session.ID] = &sessionRecord{session: session, seq: s.seq}
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// ListSessions returns the sessions owned by userID, newest first.
func (s *Store) ListSessions(_ context.Context, userID string) ([]chat.Session, error) {
	if userID == "" {
		return nil, store.ErrIdentityMissing
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*sessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if rec.session.UserID == userID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.session.CreatedAt.Equal(b.session.CreatedAt) {
			return a.session.CreatedAt.After(b.session.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]chat.Session, 0, len(records))
	for _, rec := range records {
		session := rec.session.Clone()
		session.Messages = append(session.Messages, s.messages[session.ID]...)
		out = append(out, session)
	}
	return out, nil
}

// GetSession retrieves a session header by identifier.
func (s *Store) GetSession(_ context.Context, userID, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.owned(userID, sessionID)
	if !ok {
		return chat.Session{}, store.ErrSessionNotFound
	}
	return rec.session.Clone(), nil
}

// InsertMessage appends a message to the session history.
func (s *Store) InsertMessage(_ context.Context, userID string, msg chat.Message, title string) (chat.Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.owned(userID, msg.SessionID)
	if !ok {
		return chat.Message{}, "", store.ErrSessionNotFound
	}

	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)

	if title != "" && rec.session.Untitled() {
		rec.session.Title = title
	}
	return msg, rec.session.Title, nil
}

// SetConversation records the external conversation handle of a session.
func (s *Store) SetConversation(_ context.Context, userID, sessionID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.owned(userID, sessionID)
	if !ok {
		return store.ErrSessionNotFound
	}
	rec.session.ConversationID = conversationID
	return nil
}

// DeleteSession removes a session together with its messages.
func (s *Store) DeleteSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owned(userID, sessionID); !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *Store) owned(userID, sessionID string) (*sessionRecord, bool) {
	if userID == "" || sessionID == "" {
		return nil, false
	}
	rec, ok := s.sessions[sessionID]
	if !ok || rec.session.UserID != userID {
		return nil, false
	}
	return rec, true
}
