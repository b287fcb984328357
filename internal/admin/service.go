// Package admin は管理者向けの操作（一時停止、キー補充、連携解除など）を提供する。
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/trialkey/internal/admission"
	"github.com/hitoshi/trialkey/internal/dispense"
	"github.com/hitoshi/trialkey/internal/model"
)

// Gate は一時停止フラグと在庫低下アラートの判定。
type Gate interface {
	IsActive() bool
	SetFrozen(ctx context.Context, frozen bool) (bool, error)
	EvaluatePoolLevel(count, threshold int) admission.Transition
}

// Pool はキープールの管理操作。
type Pool interface {
	Add(ctx context.Context, ids []string, at time.Time) (model.AddReport, error)
	RemoveAll(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// Accounts はアカウントの管理操作。
type Accounts interface {
	Unlink(ctx context.Context, identity string) error
	Count(ctx context.Context) (int, error)
}

// CooldownSettings はクールダウン期間の読み書き。
type CooldownSettings interface {
	Get(ctx context.Context) (time.Duration, error)
	Set(ctx context.Context, d time.Duration) error
}

// LinkStates はstateトークンの掃除と件数取得。
type LinkStates interface {
	Sweep(ctx context.Context) (int, error)
	Pending(ctx context.Context) (int, error)
}

// PoolGauge は在庫数のメトリクス。
type PoolGauge interface {
	SetPoolAvailable(count int)
}

// Status は払い出しの現在の状態。
type Status struct {
	Available      int           `json:"available"`
	Frozen         bool          `json:"frozen"`
	Cooldown       time.Duration `json:"-"`
	CooldownText   string        `json:"cooldown"`
	CooldownSecs   int64         `json:"cooldown_seconds"`
	LinkedAccounts int           `json:"linked_accounts"`
	PendingLinks   int           `json:"pending_links"`
}

// Service は管理操作を提供する。
// 操作者IDは通知に記録するためだけに使い、権限の確認は呼び出し元で行う。
type Service struct {
	gate             Gate
	pool             Pool
	accounts         Accounts
	cooldown         CooldownSettings
	linkStates       LinkStates
	observer         dispense.Observer
	gauge            PoolGauge
	lowPoolThreshold int
	now              func() time.Time
}

// NewService はServiceを生成する。observerとgaugeはnilでもよい。
func NewService(gate Gate, pool Pool, accounts Accounts, cd CooldownSettings, links LinkStates, observer dispense.Observer, gauge PoolGauge, lowPoolThreshold int) *Service {
	return &Service{
		gate:             gate,
		pool:             pool,
		accounts:         accounts,
		cooldown:         cd,
		linkStates:       links,
		observer:         observer,
		gauge:            gauge,
		lowPoolThreshold: lowPoolThreshold,
		now:              time.Now,
	}
}

// SetFrozen は払い出しを一時停止または再開する。状態が変わった場合にtrueを返す。
func (s *Service) SetFrozen(ctx context.Context, actor string, frozen bool) (bool, error) {
	changed, err := s.gate.SetFrozen(ctx, frozen)
	if err != nil {
		return false, err
	}
	if changed {
		title, verb := "Dispensing Resumed", "resumed"
		if frozen {
			title, verb = "Dispensing Paused", "paused"
		}
		s.notify(ctx, model.SeverityWarning, title,
			fmt.Sprintf("%s %s key dispensing.", actorMention(actor), verb))
	}
	return changed, nil
}

// AddCredentials はキーを一括登録し、在庫低下アラートを再評価する。
func (s *Service) AddCredentials(ctx context.Context, actor string, ids []string) (model.AddReport, error) {
	report, err := s.pool.Add(ctx, ids, s.now())
	if err != nil {
		return report, err
	}

	s.notify(ctx, model.SeverityInfo, "Keys Added",
		fmt.Sprintf("%s added %d keys (%d duplicate, %d invalid).",
			actorMention(actor), report.Added, report.Duplicate, report.Invalid))
	if err := s.evaluatePoolLevel(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// ClearAllCredentials は未発行のキーをすべて削除し、削除件数を返す。
func (s *Service) ClearAllCredentials(ctx context.Context, actor string) (int, error) {
	removed, err := s.pool.RemoveAll(ctx)
	if err != nil {
		return removed, err
	}

	s.notify(ctx, model.SeverityWarning, "Keys Cleared",
		fmt.Sprintf("%s removed %d unissued keys.", actorMention(actor), removed))
	if err := s.evaluatePoolLevel(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// Unlink はアカウントの連携を解除する。未連携の場合はmodel.ErrNotLinkedを返す。
func (s *Service) Unlink(ctx context.Context, actor, identity string) error {
	if err := s.accounts.Unlink(ctx, identity); err != nil {
		return err
	}
	s.notify(ctx, model.SeverityInfo, "Account Unlinked",
		fmt.Sprintf("%s unlinked <@%s>.", actorMention(actor), identity))
	return nil
}

// SetCooldown はクールダウン期間を変更する。
func (s *Service) SetCooldown(ctx context.Context, actor string, d time.Duration) error {
	if err := s.cooldown.Set(ctx, d); err != nil {
		return err
	}
	s.notify(ctx, model.SeverityInfo, "Cooldown Changed",
		fmt.Sprintf("%s set the cooldown to %s.", actorMention(actor), FormatDuration(d)))
	return nil
}

// Status は現在の状態を返す。期限切れのstateトークンはこのときに掃除する。
func (s *Service) Status(ctx context.Context) (*Status, error) {
	if _, err := s.linkStates.Sweep(ctx); err != nil {
		return nil, err
	}

	available, err := s.pool.Count(ctx)
	if err != nil {
		return nil, err
	}
	cd, err := s.cooldown.Get(ctx)
	if err != nil {
		return nil, err
	}
	linked, err := s.accounts.Count(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.linkStates.Pending(ctx)
	if err != nil {
		return nil, err
	}

	if s.gauge != nil {
		s.gauge.SetPoolAvailable(available)
	}
	return &Status{
		Available:      available,
		Frozen:         !s.gate.IsActive(),
		Cooldown:       cd,
		CooldownText:   FormatDuration(cd),
		CooldownSecs:   int64(cd / time.Second),
		LinkedAccounts: linked,
		PendingLinks:   pending,
	}, nil
}

func (s *Service) evaluatePoolLevel(ctx context.Context) error {
	count, err := s.pool.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pool: %w", err)
	}
	if s.gauge != nil {
		s.gauge.SetPoolAvailable(count)
	}

	t := s.gate.EvaluatePoolLevel(count, s.lowPoolThreshold)
	if e, ok := dispense.PoolLevelEvent(t, count, s.lowPoolThreshold, s.now()); ok && s.observer != nil {
		s.observer.Notify(ctx, e)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, severity model.Severity, title, detail string) {
	if s.observer == nil {
		return
	}
	s.observer.Notify(ctx, model.Event{
		Kind:     model.EventAdminAction,
		Severity: severity,
		Title:    title,
		Detail:   detail,
		At:       s.now(),
	})
}

// ParseCooldownDays は日数指定のクールダウンを期間に変換する。
func ParseCooldownDays(days int) (time.Duration, error) {
	if days < 0 {
		return 0, model.ErrInvalidCooldown
	}
	if days > 3650 {
		return 0, errors.New("cooldown must be at most 3650 days")
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// FormatDuration はクールダウン期間を日数と時間で表示する。
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	days := d / (24 * time.Hour)
	rest := d % (24 * time.Hour)
	switch {
	case days == 0:
		return rest.Round(time.Second).String()
	case rest == 0:
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	default:
		return fmt.Sprintf("%dd %s", days, rest.Round(time.Second))
	}
}

func actorMention(actor string) string {
	if actor == "" {
		return "An administrator"
	}
	if strings.HasPrefix(actor, "api:") {
		return actor
	}
	return "<@" + actor + ">"
}
