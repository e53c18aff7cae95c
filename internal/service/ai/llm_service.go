package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/config"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
)

// Service is a generation backend driven by an eino chat chain. It keeps
// conversation history in process, keyed by the handle it hands out, so it
// behaves like the hosted chat API from the caller's point of view.
type Service struct {
	chain         compose.Runnable[map[string]any, *schema.Message]
	systemPrompt  string
	historyLimit  int
	conversations *cache.Cache
	logger        *zap.Logger
}

var _ generation.Client = (*Service)(nil)

// NewService creates the chat model from cfg and wraps it.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewWithModel(ctx, chatModel, cfg, logger)
}

// NewWithModel compiles the chain around an existing chat model.
func NewWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}
	ttl := cfg.ConversationTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Service{
		chain:         runnable,
		systemPrompt:  cfg.SystemPrompt,
		historyLimit:  historyLimit,
		conversations: cache.New(ttl, ttl/2),
		logger:        logger.Named("ai"),
	}, nil
}

// Generate runs the chain once and records the turn under the handle.
func (s *Service) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	handle, history, err := s.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := schema.UserMessage(req.Query)
	response, err := s.chain.Invoke(ctx, s.buildChainInput(history, userMsg))
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.remember(handle, history, userMsg, response)
	s.logger.Debug("generated response",
		zap.String("conversation_id", handle),
		zap.Int("length", len(response.Content)))

	return &generation.Response{
		Answer:         response.Content,
		ConversationID: handle,
		MessageID:      uuid.NewString(),
	}, nil
}

type streamEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	CreatedAt      int64  `json:"created_at"`
	Answer         string `json:"answer,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Stream renders chain output in the hosted API's event-stream format.
func (s *Service) Stream(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
	handle, history, err := s.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := schema.UserMessage(req.Query)
	stream, err := s.chain.Stream(ctx, s.buildChainInput(history, userMsg))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()

		messageID := uuid.NewString()
		emit := func(ev streamEvent) error {
			ev.ConversationID = handle
			ev.MessageID = messageID
			ev.CreatedAt = time.Now().Unix()
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(pw, "data: %s\n\n", data)
			return err
		}

		chunks := make([]*schema.Message, 0, 8)
		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				_ = emit(streamEvent{Event: "error", Message: recvErr.Error()})
				pw.CloseWithError(recvErr)
				return
			}
			if chunk == nil {
				continue
			}
			chunks = append(chunks, chunk)
			if chunk.Content == "" {
				continue
			}
			if err := emit(streamEvent{Event: "message", Answer: chunk.Content}); err != nil {
				pw.CloseWithError(err)
				return
			}
		}

		if len(chunks) > 0 {
			if response, err := schema.ConcatMessages(chunks); err == nil {
				s.remember(handle, history, userMsg, response)
			} else {
				s.logger.Warn("failed to concat streamed chunks", zap.Error(err))
			}
		}

		_ = emit(streamEvent{Event: "message_end"})
		pw.Close()
	}()

	return pr, nil
}

// resolve returns the handle to use and a copy of its history. Unknown
// handles are reported like the hosted API reports them.
func (s *Service) resolve(conversationID string) (string, []*schema.Message, error) {
	if conversationID == "" {
		return uuid.NewString(), nil, nil
	}
	raw, ok := s.conversations.Get(conversationID)
	if !ok {
		return "", nil, &generation.APIError{Status: http.StatusNotFound, Body: "Conversation Not Exists."}
	}
	history := raw.([]*schema.Message)
	return conversationID, append([]*schema.Message(nil), history...), nil
}

func (s *Service) remember(handle string, history []*schema.Message, turn ...*schema.Message) {
	history = append(history, turn...)
	if limit := s.historyLimit * 2; len(history) > limit {
		history = history[len(history)-limit:]
	}
	s.conversations.SetDefault(handle, history)
}

func (s *Service) buildChainInput(history []*schema.Message, userMsg *schema.Message) map[string]any {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, userMsg)
	return map[string]any{
		"system":  s.systemPrompt,
		"history": messages,
	}
}
