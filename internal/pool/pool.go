// Package pool は未発行トライアルキーのプールを管理する。
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/store"
)

// MaxIDLength はキーIDの最大バイト数。
const MaxIDLength = 256

// Pool はトライアルキーのプール。
// 発行済みのキーも重複登録を検出するためclaimed状態で保持する。
// 未発行のキーはpool:available:索引にも載せ、取り出しと件数の確認は索引だけを読む。
type Pool struct {
	store store.Store

	// 取り出しと登録・削除を直列化する
	mu sync.Mutex
}

// New はPoolを生成する。
func New(s store.Store) *Pool {
	return &Pool{store: s}
}

// ClaimAny は利用可能なキーを1件取り出し、ownerに割り当てる。
// 同時に呼び出されても同じキーが複数の呼び出し元に返ることはない。
// 利用可能なキーがない場合はmodel.ErrPoolEmptyを返す。キーはID順に選ぶ。
func (p *Pool) ClaimAny(ctx context.Context, owner string, at time.Time) (*model.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.availableLocked(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		var cred model.Credential
		err := store.GetJSON(ctx, p.store, store.CredentialKey(id), &cred)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}
		if err != nil || cred.State != model.CredentialAvailable {
			// 記録の更新後に索引の削除だけが失敗した残骸
			if err := p.store.Delete(ctx, store.AvailableKey(id)); err != nil {
				return nil, fmt.Errorf("failed to drop stale index entry: %w", err)
			}
			continue
		}

		claimedAt := at.UTC()
		cred.State = model.CredentialClaimed
		cred.Owner = owner
		cred.ClaimedAt = &claimedAt
		if err := store.SetJSON(ctx, p.store, store.CredentialKey(id), cred); err != nil {
			return nil, fmt.Errorf("failed to claim credential: %w", err)
		}
		if err := p.store.Delete(ctx, store.AvailableKey(id)); err != nil {
			slog.Warn("failed to remove claimed credential from index",
				slog.String("credential_id", id),
				slog.String("error", err.Error()),
			)
		}
		return &cred, nil
	}
	return nil, model.ErrPoolEmpty
}

// Add はキーを一括登録する。
// 前後の空白は除去し、空の要素は無視する。空白を含むもの、長すぎるものは無効として数える。
// 既存のキー（発行済みを含む）と同一バッチ内の重複は重複として数える。
func (p *Pool) Add(ctx context.Context, ids []string, at time.Time) (model.AddReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var report model.AddReport
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if !ValidID(id) {
			report.Invalid++
			continue
		}
		if seen[id] {
			report.Duplicate++
			continue
		}
		seen[id] = true

		exists, err := p.store.Exists(ctx, store.CredentialKey(id))
		if err != nil {
			return report, fmt.Errorf("failed to check credential: %w", err)
		}
		if exists {
			report.Duplicate++
			continue
		}

		cred := model.Credential{ID: id, State: model.CredentialAvailable, AddedAt: at.UTC()}
		if err := store.SetJSON(ctx, p.store, store.CredentialKey(id), cred); err != nil {
			return report, fmt.Errorf("failed to add credential: %w", err)
		}
		if err := p.store.Set(ctx, store.AvailableKey(id), []byte("{}")); err != nil {
			return report, fmt.Errorf("failed to index credential: %w", err)
		}
		report.Added++
	}
	return report, nil
}

// RemoveAll は利用可能なキーをすべて削除し、削除件数を返す。
// 発行済みのキーは発行記録として残す。
func (p *Pool) RemoveAll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.availableLocked(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		var cred model.Credential
		err := store.GetJSON(ctx, p.store, store.CredentialKey(id), &cred)
		if err != nil && !store.IsNotFound(err) {
			return removed, err
		}
		if err == nil && cred.State == model.CredentialAvailable {
			if err := p.store.Delete(ctx, store.CredentialKey(id)); err != nil {
				return removed, fmt.Errorf("failed to remove credential: %w", err)
			}
			removed++
		}
		if err := p.store.Delete(ctx, store.AvailableKey(id)); err != nil {
			return removed, fmt.Errorf("failed to remove index entry: %w", err)
		}
	}
	return removed, nil
}

// Count は利用可能なキー数を返す。索引のキー数だけを数え、記録は読まない。
func (p *Pool) Count(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.availableLocked(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// List は全キーをID順で返す。
func (p *Pool) List(ctx context.Context) ([]*model.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.store.Keys(ctx, store.PrefixCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*model.Credential, 0, len(keys))
	for _, key := range keys {
		var cred model.Credential
		err := store.GetJSON(ctx, p.store, key, &cred)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		creds = append(creds, &cred)
	}
	return creds, nil
}

// availableLocked は索引から未発行キーのIDを昇順で返す。
func (p *Pool) availableLocked(ctx context.Context) ([]string, error) {
	keys, err := p.store.Keys(ctx, store.PrefixAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to list available credentials: %w", err)
	}
	ids := make([]string, len(keys))
	for i, key := range keys {
		ids[i] = strings.TrimPrefix(key, store.PrefixAvailable)
	}
	return ids, nil
}

// ValidID はキーIDとして受け付けられるかを判定する。
func ValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// ParseIDs は管理者入力をカンマまたは改行で分割する。
// 要素内の空白は残し、Addで無効として報告させる。
func ParseIDs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			ids = append(ids, f)
		}
	}
	return ids
}
