package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	chatService "github.com/zhouzirui/chat-canvas/backend/internal/service/chat"
	"github.com/zhouzirui/chat-canvas/backend/pkg/utils"
)

// Handler 聊天会话的HTTP处理器，每个请求转发给调用者自己的协调器
type Handler struct {
	registry *chatService.Registry
	logger   *zap.Logger
}

// New 创建聊天处理器
func New(registry *chatService.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger.Named("chat-handler"),
	}
}

// RegisterRoutes 注册聊天相关的路由，调用方负责身份校验
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Post("/view", h.handleViewRoot)
		r.Get("/{chatID}", h.handleSelect)
		r.Delete("/{chatID}", h.handleDelete)
		r.Post("/{chatID}/messages", h.handleSend)
	})
}

type currentResponse struct {
	Current *chat.Session `json:"current"`
}

// reconciler 取得调用者的协调器，失败时已写出响应
func (h *Handler) reconciler(w http.ResponseWriter, r *http.Request) (*chatService.Reconciler, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	rec, err := h.registry.Get(r.Context(), id.ID)
	if err != nil {
		h.logger.Error("failed to load chats", zap.String("user_id", id.ID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "Failed to load chats")
		return nil, false
	}
	return rec, true
}

// handleList 返回会话列表快照
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.reconciler(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, rec.Snapshot())
}

// handleCreate 创建会话
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.reconciler(w, r)
	if !ok {
		return
	}
	session, err := rec.Create(r.Context())
	if err != nil {
		h.respondErr(w, err, "Failed to create chat")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleViewRoot 处理会话列表根路径被展示
func (h *Handler) handleViewRoot(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.reconciler(w, r)
	if !ok {
		return
	}
	current, err := rec.ViewRoot(r.Context())
	if err != nil {
		h.respondErr(w, err, "Failed to create chat")
		return
	}
	utils.RespondJSON(w, http.StatusOK, currentResponse{Current: current})
}

// handleSelect 根据路由选中会话
func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.reconciler(w, r)
	if !ok {
		return
	}
	session, err := rec.Select(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		h.respondErr(w, err, "Failed to open chat")
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleDelete 删除会话并返回新的当前会话
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.reconciler(w, r)
	if !ok {
		return
	}
	if err := rec.Delete(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		h.respondErr(w, err, "Failed to delete chat")
		return
	}
	utils.RespondJSON(w, http.StatusOK, currentResponse{Current: rec.Snapshot().Current})
}

// handleSend 保存用户消息并生成助手回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, ok := h.reconciler(w, r)
	if !ok {
		return
	}
	exchange, err := rec.Send(r.Context(), chi.URLParam(r, "chatID"), payload.Content)
	if err != nil {
		h.respondErr(w, err, "Failed to send message")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, exchange)
}

// respondErr 将协调器错误映射为固定的状态码和提示
func (h *Handler) respondErr(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "Chat not found")
	case errors.Is(err, chatService.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, "Message content is required")
	case errors.Is(err, chatService.ErrBusy):
		utils.RespondError(w, http.StatusConflict, "Assistant is still responding")
	case errors.Is(err, chatService.ErrNotLoaded):
		utils.RespondError(w, http.StatusConflict, "Chats are still loading")
	case errors.Is(err, chatService.ErrNoIdentity):
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		h.logger.Error(fallback, zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, fallback)
	}
}
