package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/store"
)

// Settings はストアに保存されたクールダウン期間を管理する。
// 値はconfig:cooldownにGoのduration文字列として保存し、読み込み後はメモリにキャッシュする。
type Settings struct {
	store    store.Store
	fallback time.Duration

	mu     sync.RWMutex
	cached *time.Duration
}

// NewSettings はSettingsを生成する。fallbackはストアに値がない場合に使う。
func NewSettings(s store.Store, fallback time.Duration) *Settings {
	if fallback < 0 {
		fallback = DefaultDuration
	}
	return &Settings{store: s, fallback: fallback}
}

// Get は現在のクールダウン期間を返す。
func (s *Settings) Get(ctx context.Context) (time.Duration, error) {
	s.mu.RLock()
	if s.cached != nil {
		d := *s.cached
		s.mu.RUnlock()
		return d, nil
	}
	s.mu.RUnlock()

	var raw string
	err := store.GetJSON(ctx, s.store, store.KeyCooldown, &raw)
	if store.IsNotFound(err) {
		return s.fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cooldown: %w", err)
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid stored cooldown %q: %w", raw, err)
	}

	s.mu.Lock()
	s.cached = &d
	s.mu.Unlock()
	return d, nil
}

// Set はクールダウン期間を保存する。負の値は拒否する。
func (s *Settings) Set(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return model.ErrInvalidCooldown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.SetJSON(ctx, s.store, store.KeyCooldown, d.String()); err != nil {
		return fmt.Errorf("failed to save cooldown: %w", err)
	}
	s.cached = &d
	return nil
}
