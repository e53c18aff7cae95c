package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/middleware"
	authService "github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	"github.com/zhouzirui/chat-canvas/backend/pkg/utils"
)

const refreshTokenCookie = "refresh_token"

// Options 控制 cookie 和重置密码跳转
type Options struct {
	ResetRedirectURL string
	CookieSecure     bool
}

// Handler 身份认证的HTTP处理器
type Handler struct {
	provider *authService.Provider
	opts     Options
	logger   *zap.Logger
}

// New 创建认证处理器
func New(provider *authService.Provider, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		provider: provider,
		opts:     opts,
		logger:   logger.Named("auth-handler"),
	}
}

// RegisterRoutes 注册认证相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.handleSignUp)
		r.Post("/signin", h.handleSignIn)
		r.Post("/signout", h.handleSignOut)
		r.Post("/refresh", h.handleRefresh)
		r.Post("/reset", h.handleReset)
		r.Get("/session", h.handleSession)
	})
}

type sessionResponse struct {
	User                 *authService.User    `json:"user"`
	Session              *authService.Session `json:"session,omitempty"`
	ConfirmationRequired bool                 `json:"confirmationRequired,omitempty"`
}

// handleSignUp 注册账号，需要邮箱确认时不返回会话
func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"fullName"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.Email = strings.TrimSpace(payload.Email)
	if payload.Email == "" || payload.Password == "" || strings.TrimSpace(payload.FullName) == "" {
		utils.RespondError(w, http.StatusBadRequest, "Email, password and full name are required")
		return
	}

	result, err := h.provider.SignUp(r.Context(), payload.Email, payload.Password, payload.FullName)
	if err != nil {
		h.respondProviderError(w, "signup", err)
		return
	}

	if result.ConfirmationRequired() {
		utils.RespondJSON(w, http.StatusOK, sessionResponse{User: result.User, ConfirmationRequired: true})
		return
	}
	h.setSessionCookies(w, result.Session)
	utils.RespondJSON(w, http.StatusOK, sessionResponse{User: result.User, Session: result.Session})
}

// handleSignIn 邮箱密码登录
func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Email) == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	session, err := h.provider.SignIn(r.Context(), strings.TrimSpace(payload.Email), payload.Password)
	if err != nil {
		h.respondProviderError(w, "signin", err)
		return
	}
	h.setSessionCookies(w, session)
	utils.RespondJSON(w, http.StatusOK, sessionResponse{User: session.User, Session: session})
}

// handleSignOut 注销当前会话，无论上游是否成功都清除 cookie
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	id, _ := authService.FromContext(r.Context())
	if token := middleware.AccessToken(r); token != "" {
		// 失败已在 provider 中记录
		_ = h.provider.SignOut(r.Context(), token, id)
	}
	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh 使用 refresh token 换取新会话
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if payload.RefreshToken == "" {
		if c, err := r.Cookie(refreshTokenCookie); err == nil {
			payload.RefreshToken = c.Value
		}
	}
	if payload.RefreshToken == "" {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	session, err := h.provider.Refresh(r.Context(), payload.RefreshToken)
	if err != nil {
		h.respondProviderError(w, "refresh", err)
		return
	}
	h.setSessionCookies(w, session)
	utils.RespondJSON(w, http.StatusOK, sessionResponse{User: session.User, Session: session})
}

// handleReset 发送重置密码邮件
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Email) == "" {
		utils.RespondError(w, http.StatusBadRequest, "Email is required")
		return
	}

	if err := h.provider.ResetPassword(r.Context(), strings.TrimSpace(payload.Email), h.opts.ResetRedirectURL); err != nil {
		h.respondProviderError(w, "reset", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleSession 返回当前登录用户，未登录时 user 为 null
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := authService.FromContext(r.Context())
	if !ok {
		utils.RespondJSON(w, http.StatusOK, sessionResponse{})
		return
	}

	user, err := h.provider.User(r.Context(), middleware.AccessToken(r))
	if err != nil {
		h.logger.Warn("failed to fetch user, falling back to token claims", zap.String("user_id", id.ID), zap.Error(err))
		user = &authService.User{ID: id.ID, Email: id.Email}
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{User: user})
}

func (h *Handler) respondProviderError(w http.ResponseWriter, op string, err error) {
	status := http.StatusBadGateway
	var perr *authService.ProviderError
	if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
		status = perr.Status
	}
	if status == http.StatusBadGateway {
		h.logger.Error("identity provider call failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Info("identity provider rejected request", zap.String("op", op), zap.Error(err))
	}
	utils.RespondError(w, status, authService.Describe(err))
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, session *authService.Session) {
	if session == nil {
		return
	}
	maxAge := session.ExpiresIn
	if maxAge <= 0 {
		maxAge = int(time.Hour / time.Second)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    session.AccessToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	if session.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     refreshTokenCookie,
			Value:    session.RefreshToken,
			Path:     "/api/auth",
			MaxAge:   int(30 * 24 * time.Hour / time.Second),
			HttpOnly: true,
			Secure:   h.opts.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	for name, path := range map[string]string{middleware.AccessTokenCookie: "/", refreshTokenCookie: "/api/auth"} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.opts.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
