package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	authHandler "github.com/zhouzirui/chat-canvas/backend/internal/handler/auth"
	"github.com/zhouzirui/chat-canvas/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/handler/events"
	"github.com/zhouzirui/chat-canvas/backend/internal/handler/stream"
	"github.com/zhouzirui/chat-canvas/backend/internal/middleware"
	authService "github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	chatService "github.com/zhouzirui/chat-canvas/backend/internal/service/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
	"github.com/zhouzirui/chat-canvas/backend/pkg/utils"
)

// Deps 汇总路由需要的服务
type Deps struct {
	Logger         *zap.Logger
	AllowedOrigins []string
	Verifier       middleware.TokenVerifier
	// Provider 为空时不注册 /auth 路由
	Provider    *authService.Provider
	AuthOptions authHandler.Options
	Registry    *chatService.Registry
	Store       store.Store
	Generator   generation.Client
	Hub         *events.Hub
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Authenticate(deps.Verifier))

		if deps.Provider != nil {
			authHandler.New(deps.Provider, deps.AuthOptions, deps.Logger).RegisterRoutes(api)
		}

		// 流式接口自行返回纯文本错误
		stream.New(deps.Store, deps.Generator, deps.Logger).RegisterRoutes(api)

		api.Group(func(private chi.Router) {
			private.Use(middleware.RequireIdentity)
			chat.New(deps.Registry, deps.Logger).RegisterRoutes(private)
			if deps.Hub != nil {
				deps.Hub.RegisterRoutes(private)
			}
		})
	})

	return r
}
