// Package cleanup は期限切れの連携stateトークンを定期的に削除するジョブを提供する。
// Redeem時にも期限は判定されるため、このジョブは放置されたトークンの掃除のみを担う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper は期限切れトークンを削除し、削除件数を返す。
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepJob は期限切れstateトークンの削除ジョブ。冪等。
type SweepJob struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(sweeper Sweeper, logger *slog.Logger) *SweepJob {
	return &SweepJob{sweeper: sweeper, logger: logger}
}

// Run は期限切れトークンを1回削除する。
// 削除対象がない場合でもエラーにならない。
func (j *SweepJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.logger.Error("stateトークンの掃除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("stateトークンの掃除に失敗: %w", err)
	}

	j.logger.Info("stateトークンの掃除が完了しました",
		slog.Int("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。ctxがキャンセルされるまでブロックする。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	// エラーはRun内で記録済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
