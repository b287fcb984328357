// Package linkstate はOAuth連携用のワンタイムstateトークンを管理する。
package linkstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/store"
)

// DefaultTTL はstateトークンのデフォルト有効期間。
const DefaultTTL = time.Hour

// tokenBytes はトークン生成に使う乱数のバイト数。
const tokenBytes = 32

// Store はstateトークンの発行と引き換えを行う。
// 引き換えは結果に関わらずレコードを削除するため、同じトークンは一度しか使えない。
type Store struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	// Redeemの取得と削除を不可分にする
	mu sync.Mutex
}

// New はStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func New(s store.Store, ttl time.Duration) *Store {
	return NewWithClock(s, ttl, time.Now)
}

// NewWithClock は時刻関数を差し替えたStoreを生成する。テスト用。
func NewWithClock(s store.Store, ttl time.Duration, now func() time.Time) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{store: s, ttl: ttl, now: now}
}

// TTL は有効期間を返す。
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue は新しいトークンを発行し、identityに紐付けて保存する。
func (s *Store) Issue(ctx context.Context, identity string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	rec := model.LinkState{Identity: identity, CreatedAt: s.now().UTC()}
	if err := store.SetJSON(ctx, s.store, store.LinkStateKey(token), rec); err != nil {
		return "", fmt.Errorf("failed to save link state: %w", err)
	}
	return token, nil
}

// Redeem はトークンを引き換えてidentityを返す。
// 未知のトークンはmodel.ErrInvalidLinkToken、期限切れはmodel.ErrExpiredLinkTokenを返す。
// どちらもmodel.ErrInvalidOrExpiredLinkTokenとしても判定できる。
func (s *Store) Redeem(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", model.ErrInvalidLinkToken
	}
	key := store.LinkStateKey(token)

	s.mu.Lock()
	var rec model.LinkState
	err := store.GetJSON(ctx, s.store, key, &rec)
	if err == nil || !store.IsNotFound(err) {
		// 壊れたレコードも含めて削除する
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("failed to delete link state: %w", delErr)
		}
	}
	s.mu.Unlock()

	if store.IsNotFound(err) {
		return "", model.ErrInvalidLinkToken
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidLinkToken, err)
	}
	if s.expired(rec, s.now()) {
		return "", model.ErrExpiredLinkToken
	}
	return rec.Identity, nil
}

// Sweep は期限切れのトークンを削除し、削除件数を返す。
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, store.PrefixLinkState)
	if err != nil {
		return 0, fmt.Errorf("failed to list link states: %w", err)
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		var rec model.LinkState
		err := store.GetJSON(ctx, s.store, key, &rec)
		if store.IsNotFound(err) {
			continue
		}
		if err == nil && !s.expired(rec, now) {
			continue
		}

		s.mu.Lock()
		delErr := s.store.Delete(ctx, key)
		s.mu.Unlock()
		if delErr != nil {
			return removed, fmt.Errorf("failed to delete link state: %w", delErr)
		}
		removed++
	}
	return removed, nil
}

// Pending は有効期限内のトークン数を返す。
func (s *Store) Pending(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, store.PrefixLinkState)
	if err != nil {
		return 0, fmt.Errorf("failed to list link states: %w", err)
	}

	now := s.now()
	n := 0
	for _, key := range keys {
		var rec model.LinkState
		if err := store.GetJSON(ctx, s.store, key, &rec); err != nil {
			// 削除済みまたは壊れたレコードは数えない
			continue
		}
		if !s.expired(rec, now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) expired(rec model.LinkState, now time.Time) bool {
	return now.Sub(rec.CreatedAt) >= s.ttl
}

func generateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate link token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
