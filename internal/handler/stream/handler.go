package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
	"github.com/zhouzirui/chat-canvas/backend/pkg/utils"
)

// Handler relays the generation service's event stream to the browser.
type Handler struct {
	store  store.Store
	gen    generation.Client
	logger *zap.Logger
}

// New creates a new stream handler
func New(st store.Store, gen generation.Client, logger *zap.Logger) *Handler {
	return &Handler{
		store:  st,
		gen:    gen,
		logger: logger.Named("stream"),
	}
}

// RegisterRoutes 注册流式响应路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	chatID := query.Get("chatId")
	message := query.Get("message")
	conversationID := query.Get("conversationId")

	if chatID == "" || message == "" {
		respondText(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	id, ok := auth.FromContext(r.Context())
	if !ok {
		respondText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if _, err := h.store.GetSession(r.Context(), id.ID, chatID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			respondText(w, http.StatusNotFound, "Chat not found")
			return
		}
		h.logger.Error("failed to verify chat ownership", zap.String("chat_id", chatID), zap.Error(err))
		respondText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	body, err := h.open(r.Context(), generation.Request{
		Query:          message,
		ConversationID: conversationID,
		User:           id.ID,
		Mode:           generation.ModeStreaming,
	})
	if err != nil {
		h.logger.Error("failed to open stream", zap.String("chat_id", chatID), zap.Error(err))
		respondText(w, http.StatusInternalServerError, "Failed to get streaming response")
		return
	}
	defer body.Close()

	written, err := utils.RelaySSE(w, body)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("stream relay interrupted",
			zap.String("chat_id", chatID),
			zap.Int64("bytes", written),
			zap.Error(err))
		return
	}
	h.logger.Debug("stream relayed", zap.String("chat_id", chatID), zap.Int64("bytes", written))
}

// open starts the upstream stream, retrying once without the handle when
// the service no longer knows the conversation.
func (h *Handler) open(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
	body, err := h.gen.Stream(ctx, req)
	if err != nil && strings.TrimSpace(req.ConversationID) != "" && errors.Is(err, generation.ErrConversationNotFound) {
		h.logger.Info("conversation not found, starting a new one", zap.String("conversation_id", req.ConversationID))
		return h.gen.Stream(ctx, generation.WithoutConversation(req))
	}
	return body, err
}

func respondText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message)
}
