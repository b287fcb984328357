package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ストアのバックエンド
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Discord
	DiscordClientID     string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string `env:"DISCORD_CLIENT_SECRET"`
	DiscordBotToken     string `env:"DISCORD_BOT_TOKEN"`
	DiscordPublicKey    string `env:"DISCORD_PUBLIC_KEY"`
	DiscordAdminRoleID  string `env:"DISCORD_ADMIN_ROLE_ID"`
	DiscordGuildID      string `env:"DISCORD_GUILD_ID"`
	OAuthRedirectURL    string `env:"OAUTH_REDIRECT_URL"`
	PostLinkRedirectURL string `env:"POST_LINK_REDIRECT_URL"`
	// InfoURL はキーを届けるDMの末尾に案内するURL。
	InfoURL string `env:"INFO_URL"`

	// Notification
	LogWebhookURLs []string      `env:"LOG_WEBHOOK_URLS" envSeparator:","`
	NotifyUsername string        `env:"NOTIFY_USERNAME" envDefault:"Trial Key Bot"`
	NotifyTimeout  time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"5s"`

	// Admin API
	AdminAPIToken string `env:"ADMIN_API_TOKEN"`

	// Dispense
	LowPoolThreshold int           `env:"LOW_POOL_THRESHOLD" envDefault:"20"`
	DefaultCooldown  time.Duration `env:"DEFAULT_COOLDOWN" envDefault:"720h"`
	DeliveryTimeout  time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"5s"`
	ProfileTimeout   time.Duration `env:"PROFILE_TIMEOUT" envDefault:"10s"`
	CommitTimeout    time.Duration `env:"COMMIT_TIMEOUT" envDefault:"10s"`

	// Link state
	LinkStateTTL           time.Duration `env:"LINK_STATE_TTL" envDefault:"1h"`
	LinkStateSweepInterval time.Duration `env:"LINK_STATE_SWEEP_INTERVAL" envDefault:"10m"`

	// Rate Limit
	CommandRateLimit  int           `env:"COMMAND_RATE_LIMIT" envDefault:"5"`
	CallbackRateLimit int           `env:"CALLBACK_RATE_LIMIT" envDefault:"5"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	TrustProxy bool   `env:"TRUST_PROXY" envDefault:"false"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// ストアの設定が不正な場合はエラーを返す。Discord関連の必須チェックはRequireDiscordで行う。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.LowPoolThreshold < 0 {
		return nil, fmt.Errorf("LOW_POOL_THRESHOLD must not be negative")
	}
	if cfg.DefaultCooldown < 0 {
		return nil, fmt.Errorf("DEFAULT_COOLDOWN must not be negative")
	}
	if cfg.CommandRateLimit <= 0 || cfg.CallbackRateLimit <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("rate limits and RATE_LIMIT_WINDOW must be positive")
	}

	return cfg, nil
}

// RequireDiscord はサーバー起動に必要なDiscord関連の変数が揃っているかを確認する。
// 不足している変数はまとめて報告する。
func (c *Config) RequireDiscord() error {
	required := []struct {
		name  string
		value string
	}{
		{"DISCORD_CLIENT_ID", c.DiscordClientID},
		{"DISCORD_CLIENT_SECRET", c.DiscordClientSecret},
		{"DISCORD_BOT_TOKEN", c.DiscordBotToken},
		{"DISCORD_PUBLIC_KEY", c.DiscordPublicKey},
		{"OAUTH_REDIRECT_URL", c.OAuthRedirectURL},
	}

	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}
