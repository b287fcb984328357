// Package notify は状態遷移イベントを運用者に通知する。
package notify

import (
	"context"
	"log/slog"

	"github.com/hitoshi/trialkey/internal/model"
)

// Observer は状態遷移イベントの通知先。
// 実装は呼び出し元をブロックせず、失敗を呼び出し元に返さない。
type Observer interface {
	Notify(ctx context.Context, event model.Event)
}

// Multi は複数のObserverに同じイベントを配信する。
type Multi []Observer

// Notify は全Observerに順に通知する。
func (m Multi) Notify(ctx context.Context, event model.Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(ctx, event)
		}
	}
}

// LogObserver はイベントを構造化ログに出力する。
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver はLogObserverを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// Notify は重要度に応じたレベルでイベントをログ出力する。
func (o *LogObserver) Notify(ctx context.Context, event model.Event) {
	attrs := []slog.Attr{
		slog.String("kind", string(event.Kind)),
		slog.String("severity", string(event.Severity)),
	}
	if event.Identity != "" {
		attrs = append(attrs, slog.String("identity", event.Identity))
	}
	if event.CredentialID != "" {
		attrs = append(attrs, slog.String("credential_id", event.CredentialID))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}

	o.logger.LogAttrs(ctx, levelFor(event.Severity), event.Title, attrs...)
}

func levelFor(s model.Severity) slog.Level {
	switch s {
	case model.SeverityCritical:
		return slog.LevelError
	case model.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// compile-time interface checks
var (
	_ Observer = Multi(nil)
	_ Observer = (*LogObserver)(nil)
)
