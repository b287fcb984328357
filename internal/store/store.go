// Package store は外部キーバリューストアの抽象化を提供する。
// 複数キーにまたがるアトミック性は保証しない。必要な排他はドメイン層のロックで行う。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/trialkey/internal/model"
)

// ErrNotFound はキーが存在しないことを表す。
var ErrNotFound = model.ErrNotFound

// キーレイアウト
const (
	PrefixCredential = "credential:"
	PrefixAvailable  = "pool:available:"
	PrefixAccount    = "account:"
	PrefixLinkState  = "linkstate:"
	KeyCooldown      = "config:cooldown"
	KeyFrozen        = "admission:frozen"
)

// Store はキーバリューストアのインターフェース。
type Store interface {
	// Get は値を取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set は値を上書き保存する。
	Set(ctx context.Context, key string, value []byte) error
	// Delete はキーを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, key string) error
	// Exists はキーの存在を確認する。
	Exists(ctx context.Context, key string) (bool, error)
	// Keys は指定プレフィックスで始まるキーを昇順で返す。
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Ping はバックエンドへの疎通を確認する。
	Ping(ctx context.Context) error
}

// CredentialKey はキーIDのストアキーを返す。
func CredentialKey(id string) string { return PrefixCredential + id }

// AvailableKey は未発行キーの索引のストアキーを返す。値は持たない。
func AvailableKey(id string) string { return PrefixAvailable + id }

// AccountKey はアカウントのストアキーを返す。
func AccountKey(identity string) string { return PrefixAccount + identity }

// LinkStateKey はstateトークンのストアキーを返す。
func LinkStateKey(token string) string { return PrefixLinkState + token }

// GetJSON は値を取得してJSONデコードする。
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetJSON は値をJSONエンコードして保存する。
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// IsNotFound はエラーがErrNotFoundかどうかを返す。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
