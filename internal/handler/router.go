// Package handler はHTTPルーティングとハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/trialkey/internal/metrics"
	"github.com/hitoshi/trialkey/internal/middleware"
)

// HealthChecker はストアの疎通確認を行う。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
	TrustProxy    bool

	// OAuthコールバック
	Linker         Linker
	CallbackConfig CallbackConfig

	// Discordインタラクション
	Interactions http.Handler

	// 管理API
	AdminService     AdminService
	Dispenser        Dispenser
	AdminToken       string
	AdminRateLimiter *middleware.RateLimiter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestInfo → Recovery → ClientIP → Logging → SecurityHeaders
//
// 管理APIはさらに RateLimit → AdminAuth を通す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestInfoMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewClientIPMiddleware(deps.TrustProxy))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker).ServeHTTP)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Get("/oauth/callback", NewCallbackHandler(deps.Linker, deps.CallbackConfig).ServeHTTP)

	if deps.Interactions != nil {
		r.Post("/interactions", deps.Interactions.ServeHTTP)
	}

	adminHandler := NewAdminHandler(deps.AdminService, deps.Dispenser)
	r.Route("/api/admin", func(r chi.Router) {
		if deps.AdminRateLimiter != nil {
			r.Use(deps.AdminRateLimiter.Middleware())
		}
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))

		r.Post("/freeze", adminHandler.Freeze)
		r.Post("/unfreeze", adminHandler.Unfreeze)
		r.Post("/credentials", adminHandler.AddCredentials)
		r.Delete("/credentials", adminHandler.ClearCredentials)
		r.Delete("/accounts/{identity}", adminHandler.Unlink)
		r.Put("/cooldown", adminHandler.SetCooldown)
		r.Get("/status", adminHandler.Status)
		r.Post("/link", adminHandler.BeginLink)
		r.Post("/dispense", adminHandler.Dispense)
	})

	return r
}
