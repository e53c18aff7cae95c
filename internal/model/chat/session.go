package chat

import (
	"time"
	"unicode/utf8"
)

// SentinelTitle is assigned to every new session until the first user
// message replaces it.
const SentinelTitle = "New Chat"

// TitleLength is the number of characters kept when a title is derived.
const TitleLength = 30

// Session is a chat thread owned by a single identity.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Title          string    `json:"title"`
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Untitled reports whether the session still carries the sentinel title.
func (s *Session) Untitled() bool {
	return s.Title == SentinelTitle
}

// Clone returns a deep copy that shares no slices with s.
func (s *Session) Clone() Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out
}

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(content string) string {
	if utf8.RuneCountInString(content) <= TitleLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:TitleLength]) + "..."
}
