package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/config"
	"github.com/zhouzirui/chat-canvas/backend/internal/handler"
	authHandler "github.com/zhouzirui/chat-canvas/backend/internal/handler/auth"
	"github.com/zhouzirui/chat-canvas/backend/internal/handler/events"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/ai"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
	"github.com/zhouzirui/chat-canvas/backend/internal/store/memory"
	"github.com/zhouzirui/chat-canvas/backend/internal/store/postgres"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	gen, err := newGenerator(ctx, cfg, log)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("SUPABASE_JWT_SECRET: %w", err)
	}

	authEvents := auth.NewEvents()
	defer authEvents.Close()

	var provider *auth.Provider
	if cfg.Auth.URL != "" {
		provider, err = auth.NewProvider(auth.ProviderConfig{URL: cfg.Auth.URL, AnonKey: cfg.Auth.AnonKey}, authEvents, log)
		if err != nil {
			return err
		}
	} else {
		log.Warn("SUPABASE_URL not configured, auth routes disabled")
	}

	hub := events.NewHub(cfg.Server.AllowedOrigins, log)
	registry := chat.NewRegistry(st, gen, hub.Navigator, cfg.Registry.IdleTTL, log)
	defer registry.Close()

	subscription, unsubscribe := authEvents.Subscribe(64)
	defer unsubscribe()
	go registry.Watch(ctx, subscription)

	router := handler.NewRouter(handler.Deps{
		Logger:         log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Verifier:       verifier,
		Provider:       provider,
		AuthOptions: authHandler.Options{
			ResetRedirectURL: cfg.Auth.ResetRedirectURL,
			CookieSecure:     cfg.Auth.CookieSecure,
		},
		Registry:  registry,
		Store:     st,
		Generator: gen,
		Hub:       hub,
	})

	return startServer(ctx, cfg.Server, router, log)
}

// openStore 配置了 DATABASE_URL 时使用 Postgres，否则退回内存存储
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (store.Store, func(), error) {
	if !cfg.Enabled() {
		log.Warn("DATABASE_URL not configured, chats are kept in memory and lost on restart")
		return memory.New(), func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := postgres.RunMigrations(cfg.URL, log); err != nil {
			return nil, nil, err
		}
	}

	pool, err := postgres.NewPool(ctx, cfg.URL, postgres.PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to postgres", zap.Int32("max_conns", cfg.MaxConns))
	return postgres.New(pool, log), pool.Close, nil
}

// newGenerator 优先使用外部对话服务，其次是内置的 Ark 模型
func newGenerator(ctx context.Context, cfg *config.Config, log *zap.Logger) (generation.Client, error) {
	if cfg.ChatAPI.Enabled() {
		client, err := generation.NewHTTPClient(generation.HTTPConfig{
			BaseURL: cfg.ChatAPI.URL,
			APIKey:  cfg.ChatAPI.APIKey,
			Timeout: cfg.ChatAPI.Timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		log.Info("using hosted chat API", zap.String("url", cfg.ChatAPI.URL))
		return client, nil
	}

	if cfg.AI.Enabled() {
		svc, err := ai.NewService(ctx, cfg.AI, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AI service: %w", err)
		}
		log.Info("using built-in Ark model", zap.String("model", cfg.AI.Model))
		return svc, nil
	}

	return nil, errors.New("no generation backend configured: set CHAT_API_URL and CHAT_API_KEY, or the ARK_* variables")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *zap.Logger) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("Chat Canvas backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
