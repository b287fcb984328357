// Package account は外部IDとアカウントレコードの紐付けを管理する。
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/store"
)

// Registry はアカウントのライフサイクルを管理する。
// 読み込み→更新→保存の一連の操作はmuで直列化する。
// 発行フィールドを変更するのはdispense.Coordinatorのみ。
type Registry struct {
	store store.Store
	mu    sync.Mutex
}

// NewRegistry はRegistryを生成する。
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Get はアカウントを取得する。存在しない場合はmodel.ErrNotLinkedを返す。
func (r *Registry) Get(ctx context.Context, identity string) (*model.Account, error) {
	return r.load(ctx, identity)
}

// CreateLinked は連携済みアカウントを作成する。
// 既に存在する場合はmodel.ErrAlreadyLinkedを返す（コールバックの重複実行対策）。
func (r *Registry) CreateLinked(ctx context.Context, identity, profileID string, at time.Time) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.store.Exists(ctx, store.AccountKey(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to check account: %w", err)
	}
	if exists {
		return nil, model.ErrAlreadyLinked
	}

	acc := &model.Account{
		Identity:  identity,
		ProfileID: profileID,
		LinkedAt:  at,
	}
	if err := r.save(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// RecordIssuance はアカウントの発行記録を上書きする。
func (r *Registry) RecordIssuance(ctx context.Context, identity, credentialID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, err := r.load(ctx, identity)
	if err != nil {
		return err
	}
	acc.Issuance = &model.Issuance{CredentialID: credentialID, IssuedAt: at}
	return r.save(ctx, acc)
}

// ClearIssuance はクールダウン明けの再発行直前に前回の発行記録を消す。
func (r *Registry) ClearIssuance(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, err := r.load(ctx, identity)
	if err != nil {
		return err
	}
	if acc.Issuance == nil {
		return nil
	}
	acc.Issuance = nil
	return r.save(ctx, acc)
}

// Unlink はアカウントを削除する。存在しない場合はmodel.ErrNotLinkedを返す。
func (r *Registry) Unlink(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := store.AccountKey(identity)
	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if !exists {
		return model.ErrNotLinked
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// List は全アカウントを返す。
func (r *Registry) List(ctx context.Context) ([]*model.Account, error) {
	keys, err := r.store.Keys(ctx, store.PrefixAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]*model.Account, 0, len(keys))
	for _, k := range keys {
		acc, err := r.load(ctx, strings.TrimPrefix(k, store.PrefixAccount))
		if errors.Is(err, model.ErrNotLinked) {
			// 列挙後に削除された
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Count は連携済みアカウント数を返す。
func (r *Registry) Count(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, store.PrefixAccount)
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return len(keys), nil
}

func (r *Registry) load(ctx context.Context, identity string) (*model.Account, error) {
	var acc model.Account
	err := store.GetJSON(ctx, r.store, store.AccountKey(identity), &acc)
	if store.IsNotFound(err) {
		return nil, model.ErrNotLinked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", identity, err)
	}
	return &acc, nil
}

func (r *Registry) save(ctx context.Context, acc *model.Account) error {
	if err := store.SetJSON(ctx, r.store, store.AccountKey(acc.Identity), acc); err != nil {
		return fmt.Errorf("failed to save account %s: %w", acc.Identity, err)
	}
	return nil
}
