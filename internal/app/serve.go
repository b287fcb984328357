package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/trialkey/internal/config"
	"github.com/hitoshi/trialkey/internal/worker/cleanup"
)

const shutdownTimeout = 30 * time.Second

// runServe はHTTPサーバーとリンク状態のクリーンアップジョブを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンする。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireDiscord(); err != nil {
		return err
	}

	// 1. ストアとドメインコンポーネント
	c, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 2. 依存関係の組み立て
	srv, err := newServer(ctx, cfg, c, serverOverrides{})
	if err != nil {
		return err
	}

	// 3. 期限切れリンク状態のクリーンアップ
	jobCtx, stopJob := context.WithCancel(context.Background())
	jobDone := make(chan struct{})
	go func() {
		defer close(jobDone)
		cleanup.NewSweepJob(c.linkStates, slog.Default()).Start(jobCtx, cfg.LinkStateSweepInterval)
	}()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("store", cfg.StoreDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	stopJob()
	<-jobDone
	srv.drain(shutdownTimeout)

	if listenErr != nil {
		return fmt.Errorf("server listen error: %w", listenErr)
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	slog.Info("API server stopped gracefully")
	return nil
}
