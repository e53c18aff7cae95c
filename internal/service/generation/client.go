// Package generation talks to the external text-generation service that
// owns conversation handles.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrConversationNotFound is reported when the service no longer knows the
// conversation handle sent with a request.
var ErrConversationNotFound = errors.New("conversation not found")

// Mode selects between a full response and an event stream.
type Mode string

const (
	ModeBlocking  Mode = "blocking"
	ModeStreaming Mode = "streaming"
)

// Request is a single prompt sent to the service.
type Request struct {
	Query          string
	ConversationID string
	User           string
	Mode           Mode
	Inputs         map[string]any
}

// WithoutConversation returns a copy of req that starts a new conversation.
func WithoutConversation(req Request) Request {
	req.ConversationID = ""
	return req
}

// Response is the result of a blocking request.
type Response struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Client is implemented by every generation backend.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	// Stream returns the raw event stream; the caller must close it.
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// APIError carries a non-2xx status returned by the service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed: %d - %s", e.Status, e.Body)
}

// Is lets errors.Is match a 404 against ErrConversationNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrConversationNotFound && e.Status == 404
}
