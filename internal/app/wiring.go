package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/trialkey/internal/account"
	"github.com/hitoshi/trialkey/internal/admin"
	"github.com/hitoshi/trialkey/internal/admission"
	"github.com/hitoshi/trialkey/internal/config"
	"github.com/hitoshi/trialkey/internal/cooldown"
	"github.com/hitoshi/trialkey/internal/database"
	"github.com/hitoshi/trialkey/internal/discord"
	"github.com/hitoshi/trialkey/internal/dispense"
	"github.com/hitoshi/trialkey/internal/handler"
	"github.com/hitoshi/trialkey/internal/linkstate"
	"github.com/hitoshi/trialkey/internal/metrics"
	"github.com/hitoshi/trialkey/internal/middleware"
	"github.com/hitoshi/trialkey/internal/notify"
	"github.com/hitoshi/trialkey/internal/pool"
	"github.com/hitoshi/trialkey/internal/ratelimit"
	"github.com/hitoshi/trialkey/internal/security"
	"github.com/hitoshi/trialkey/internal/store"
)

// components はストアとその上のドメインコンポーネント。CLIとサーバーで共有する。
type components struct {
	store      store.Store
	closeStore func() error

	pool       *pool.Pool
	accounts   *account.Registry
	linkStates *linkstate.Store
	gate       *admission.Gate
	cooldown   *cooldown.Settings
}

// newComponents はSTORE_DRIVERに応じたストアを開き、ドメインコンポーネントを構築する。
// 一時停止フラグはストアから読み込む。
func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	st, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &components{
		store:      st,
		closeStore: closeFn,
		pool:       pool.New(st),
		accounts:   account.NewRegistry(st),
		linkStates: linkstate.New(st, cfg.LinkStateTTL),
		gate:       admission.New(st),
		cooldown:   cooldown.NewSettings(st, cfg.DefaultCooldown),
	}
	if err := c.gate.Load(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load admission state: %w", err)
	}
	return c, nil
}

// Close はストアを閉じる。
func (c *components) Close() {
	if c.closeStore == nil {
		return
	}
	if err := c.closeStore(); err != nil {
		slog.Error("failed to close store", slog.String("error", err.Error()))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	if cfg.StoreDriver == config.StoreMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := database.Open(database.Driver(cfg.StoreDriver), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established", slog.String("driver", cfg.StoreDriver))

	dialect := store.DialectPostgres
	if cfg.StoreDriver == config.StoreSQLite {
		dialect = store.DialectSQLite
	}
	return store.NewSQLStore(db, dialect), db.Close, nil
}

// server はserveモードで組み立てた依存関係一式。
type server struct {
	handler http.Handler

	interactions *discord.InteractionHandler
	notifier     *notify.WebhookNotifier
	limiters     []*ratelimit.Limiter
	adminLimiter *middleware.RateLimiter
}

// serverOverrides はテストで外部サービスを差し替えるための依存。
type serverOverrides struct {
	exchanger dispense.ProfileExchanger
	deliverer dispense.Deliverer
	responder discord.Responder
}

// newServer はコンポーネントを組み立ててHTTPハンドラーを構築する。
func newServer(ctx context.Context, cfg *config.Config, c *components, o serverOverrides) (*server, error) {
	publicKey, err := discord.ParsePublicKey(cfg.DiscordPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid DISCORD_PUBLIC_KEY: %w", err)
	}

	guard := security.NewOutboundGuard()
	if err := security.ValidateAll(guard, cfg.LogWebhookURLs); err != nil {
		return nil, fmt.Errorf("invalid LOG_WEBHOOK_URLS: %w", err)
	}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. 通知
	webhookCfg := notify.DefaultWebhookConfig(cfg.LogWebhookURLs)
	webhookCfg.Username = cfg.NotifyUsername
	webhookCfg.Timeout = cfg.NotifyTimeout
	notifier := notify.NewWebhookNotifier(webhookCfg, guard.Client(cfg.NotifyTimeout), collector)
	observer := notify.Multi{notify.NewLogObserver(slog.Default()), notifier}

	// 3. Discord
	client := discord.NewClient(discord.ClientConfig{
		BotToken:      cfg.DiscordBotToken,
		ApplicationID: cfg.DiscordClientID,
		InfoURL:       cfg.InfoURL,
	})
	var exchanger dispense.ProfileExchanger = discord.NewOAuthProvider(discord.OAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		HTTPClient:   &http.Client{Timeout: cfg.ProfileTimeout},
	})
	var deliverer dispense.Deliverer = client
	var responder discord.Responder = client
	if o.exchanger != nil {
		exchanger = o.exchanger
	}
	if o.deliverer != nil {
		deliverer = o.deliverer
	}
	if o.responder != nil {
		responder = o.responder
	}

	// 4. レート制限
	commandLimiter := ratelimit.New(ratelimit.Config{
		Keyspace: ratelimit.KeyspaceCommand,
		Limit:    cfg.CommandRateLimit,
		Window:   cfg.RateLimitWindow,
	})
	callbackLimiter := ratelimit.New(ratelimit.Config{
		Keyspace: ratelimit.KeyspaceCallback,
		Limit:    cfg.CallbackRateLimit,
		Window:   cfg.RateLimitWindow,
	})

	// 5. 払い出しと管理操作
	coordinator := dispense.New(dispense.Deps{
		CommandLimiter:  commandLimiter,
		CallbackLimiter: callbackLimiter,
		Gate:            c.gate,
		Accounts:        c.accounts,
		LinkStates:      c.linkStates,
		Pool:            c.pool,
		Cooldown:        c.cooldown,
		Exchanger:       exchanger,
		Deliverer:       deliverer,
		Observer:        observer,
		Metrics:         collector,
	}, dispense.Config{
		LowPoolThreshold: cfg.LowPoolThreshold,
		DeliveryTimeout:  cfg.DeliveryTimeout,
		ProfileTimeout:   cfg.ProfileTimeout,
		CommitTimeout:    cfg.CommitTimeout,
	})
	adminSvc := admin.NewService(c.gate, c.pool, c.accounts, c.cooldown, c.linkStates, observer, collector, cfg.LowPoolThreshold)

	if n, err := c.pool.Count(ctx); err == nil {
		collector.SetPoolAvailable(n)
	} else {
		slog.Warn("failed to read pool size", slog.String("error", err.Error()))
	}

	// 6. HTTP
	interactions := discord.NewInteractionHandler(discord.InteractionConfig{
		PublicKey:   publicKey,
		AdminRoleID: cfg.DiscordAdminRoleID,
	}, coordinator, adminSvc, responder)
	adminLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		HealthChecker:  c.store,
		Gatherer:       reg,
		TrustProxy:     cfg.TrustProxy,
		Linker:         coordinator,
		CallbackConfig: handler.CallbackConfig{PostLinkRedirectURL: cfg.PostLinkRedirectURL},
		Interactions:   interactions,

		AdminService:     adminSvc,
		Dispenser:        coordinator,
		AdminToken:       cfg.AdminAPIToken,
		AdminRateLimiter: adminLimiter,
	})

	return &server{
		handler:      router,
		interactions: interactions,
		notifier:     notifier,
		limiters:     []*ratelimit.Limiter{commandLimiter, callbackLimiter},
		adminLimiter: adminLimiter,
	}, nil
}

// drain は処理中のコマンドと通知の完了を待ち、バックグラウンド処理を止める。
func (s *server) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.interactions.Wait()
		s.notifier.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("timed out waiting for in-flight work", slog.Duration("timeout", timeout))
	}

	for _, l := range s.limiters {
		l.Stop()
	}
	s.adminLimiter.Stop()
}
