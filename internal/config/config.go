package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	ChatAPI  ChatAPIConfig
	AI       AIConfig
	Auth     AuthConfig
	Log      LogConfig
	Registry RegistryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	addr, err := resolveAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if cfg.AI.HistoryLimit < 1 {
		cfg.AI.HistoryLimit = 1
	}

	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	Addr           string   `env:"-"`
}

// resolveAddr 解析服务器监听地址。
func resolveAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// DatabaseConfig 描述 Postgres 连接配置，URL 为空时使用内存存储。
type DatabaseConfig struct {
	URL         string `env:"DATABASE_URL"`
	MaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns    int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// Enabled 表示是否配置了数据库。
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// ChatAPIConfig 描述外部对话生成服务。
type ChatAPIConfig struct {
	URL     string        `env:"CHAT_API_URL"`
	APIKey  string        `env:"CHAT_API_KEY"`
	Timeout time.Duration `env:"CHAT_API_TIMEOUT" envDefault:"120s"`
}

// Enabled 表示外部对话服务是否可用。
func (c ChatAPIConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.APIKey) != ""
}

// AIConfig 描述内置大模型相关配置，仅在未配置外部对话服务时使用。
type AIConfig struct {
	APIKey          string        `env:"ARK_API_KEY"`
	AccessKey       string        `env:"ARK_ACCESS_KEY"`
	SecretKey       string        `env:"ARK_SECRET_KEY"`
	Model           string        `env:"ARK_MODEL"`
	BaseURL         string        `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region          string        `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature     *float64      `env:"ARK_TEMPERATURE"`
	TopP            *float64      `env:"ARK_TOP_P"`
	MaxTokens       *int          `env:"ARK_MAX_TOKENS"`
	SystemPrompt    string        `env:"AI_SYSTEM_PROMPT" envDefault:"You are a helpful assistant."`
	HistoryLimit    int           `env:"AI_HISTORY_LIMIT" envDefault:"10"`
	ConversationTTL time.Duration `env:"AI_CONVERSATION_TTL" envDefault:"24h"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// AuthConfig 描述身份服务（GoTrue 兼容）配置。
type AuthConfig struct {
	URL              string `env:"SUPABASE_URL"`
	AnonKey          string `env:"SUPABASE_ANON_KEY"`
	JWTSecret        string `env:"SUPABASE_JWT_SECRET"`
	ResetRedirectURL string `env:"AUTH_RESET_REDIRECT_URL" envDefault:"http://localhost:3000/reset-password/confirm"`
	CookieSecure     bool   `env:"AUTH_COOKIE_SECURE" envDefault:"false"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	File       string `env:"LOG_FILE"`
	Production bool   `env:"LOG_PRODUCTION" envDefault:"false"`
}

// RegistryConfig 控制每个用户会话协调器的生命周期。
type RegistryConfig struct {
	IdleTTL time.Duration `env:"RECONCILER_IDLE_TTL" envDefault:"30m"`
}
