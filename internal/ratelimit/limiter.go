// Package ratelimit はキーごとのスライディングウィンドウ方式のレート制限を提供する。
// コマンド連打（ユーザーID単位）とコールバック乱用（IP単位）で別々のLimiterを使う。
package ratelimit

import (
	"sync"
	"time"
)

const (
	// KeyspaceCommand はユーザーIDをキーとするコマンド用の名前空間。
	KeyspaceCommand = "command"
	// KeyspaceCallback は呼び出し元IPをキーとするOAuthコールバック用の名前空間。
	KeyspaceCallback = "callback"
)

// Config はLimiterの設定を保持する。
type Config struct {
	Keyspace        string
	Limit           int           // ウィンドウ内で許可する呼び出し数
	Window          time.Duration // ウィンドウ幅
	CleanupInterval time.Duration // 放置エントリのクリーンアップ間隔
}

// DefaultConfig はデフォルト設定（60秒あたり5回）を返す。
func DefaultConfig(keyspace string) Config {
	return Config{
		Keyspace:        keyspace,
		Limit:           5,
		Window:          60 * time.Second,
		CleanupInterval: 5 * time.Minute,
	}
}

// Decision はAllowの判定結果。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter はキーごとに直近の呼び出し時刻を保持するスライディングウィンドウ制限。
// 状態はプロセス内のみで保持し、再起動で失われてよい。
type Limiter struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New は新しいLimiterを生成し、バックグラウンドのクリーンアップを開始する。
func New(config Config) *Limiter {
	return newLimiter(config, time.Now)
}

// NewWithClock は時刻関数を差し替えたLimiterを生成する。テスト用。
func NewWithClock(config Config, now func() time.Time) *Limiter {
	return newLimiter(config, now)
}

func newLimiter(config Config, now func() time.Time) *Limiter {
	if config.Limit <= 0 {
		config.Limit = 5
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	l := &Limiter{
		config:  config,
		now:     now,
		windows: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Keyspace はこのLimiterの名前空間を返す。
func (l *Limiter) Keyspace() string {
	return l.config.Keyspace
}

// Allow は呼び出しを記録し、許可するかどうかを判定する。
// ウィンドウ外の記録を捨ててから今回の呼び出しを記録し、
// 保持件数がLimitを超えた場合に拒否する。拒否された呼び出しも記録に数える。
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.windows[key], now, l.config.Window)
	kept = append(kept, now)
	l.windows[key] = kept

	if len(kept) <= l.config.Limit {
		return Decision{Allowed: true}
	}

	retryAfter := l.config.Window - now.Sub(kept[0])
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Len は現在保持しているキー数を返す。テストおよびメトリクス用。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// prune はウィンドウ幅以上経過した時刻を取り除く。tsは昇順。
func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup はウィンドウ内の記録が残っていないキーを削除する。
func (l *Limiter) cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, ts := range l.windows {
		kept := prune(ts, now, l.config.Window)
		if len(kept) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = kept
	}
}
