// Package dispense はトライアルキーの払い出し判定とOAuth連携後の初回払い出しを行う。
package dispense

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/trialkey/internal/admission"
	"github.com/hitoshi/trialkey/internal/cooldown"
	"github.com/hitoshi/trialkey/internal/model"
)

// 払い出し以外のメトリクス用結果ラベル
const (
	outcomeInconsistency = "internal_inconsistency"

	linkOutcomeLinked        = "linked"
	linkOutcomeDuplicate     = "duplicate"
	linkOutcomeThrottled     = "throttled"
	linkOutcomeMissingParams = "missing_params"
	linkOutcomeInvalidState  = "invalid_state"
	linkOutcomeUpstreamError = "upstream_error"
)

// Coordinator はキー払い出しの状態遷移を管理する。
//
// キーの取り出しと発行記録はdispenseMuで直列化する。
// ロック内ではストアアクセスのみを行い、DM送信と通知はロック解放後に行う。
type Coordinator struct {
	commandLimiter  RateLimiter
	callbackLimiter RateLimiter
	gate            Gate
	accounts        Accounts
	linkStates      LinkStates
	pool            Pool
	cooldown        CooldownSettings
	exchanger       ProfileExchanger
	deliverer       Deliverer
	observer        Observer
	metrics         Recorder
	now             func() time.Time
	config          Config

	dispenseMu sync.Mutex
}

// New はCoordinatorを生成する。
func New(deps Deps, config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.LowPoolThreshold < 0 {
		config.LowPoolThreshold = defaults.LowPoolThreshold
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.ProfileTimeout <= 0 {
		config.ProfileTimeout = defaults.ProfileTimeout
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = defaults.CommitTimeout
	}

	c := &Coordinator{
		commandLimiter:  deps.CommandLimiter,
		callbackLimiter: deps.CallbackLimiter,
		gate:            deps.Gate,
		accounts:        deps.Accounts,
		linkStates:      deps.LinkStates,
		pool:            deps.Pool,
		cooldown:        deps.Cooldown,
		exchanger:       deps.Exchanger,
		deliverer:       deps.Deliverer,
		observer:        deps.Observer,
		metrics:         deps.Metrics,
		now:             deps.Now,
		config:          config,
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.metrics == nil {
		c.metrics = nopRecorder{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// RequestCredential はidentityへのキー払い出しを試みる。
// 払い出せない場合も正常系としてOutcomeで理由を返す。
// errorはストア障害と*model.InconsistencyErrorの場合のみ返す。
func (c *Coordinator) RequestCredential(ctx context.Context, identity string) (*model.DispenseResult, error) {
	start := time.Now()
	defer func() { c.metrics.RecordDispenseLatency(time.Since(start)) }()

	if d := c.commandLimiter.Allow(identity); !d.Allowed {
		c.metrics.RecordRateLimited(c.commandLimiter.Keyspace())
		c.emit(ctx, model.Event{
			Kind:     model.EventRateLimited,
			Severity: model.SeverityWarning,
			Title:    "Rate Limit Exceeded",
			Identity: identity,
			Detail:   fmt.Sprintf("%s exceeded the /trial rate limit.", mention(identity)),
		})
		return c.finish(&model.DispenseResult{Outcome: model.OutcomeThrottled, RetryAfter: d.RetryAfter}), nil
	}

	if !c.gate.IsActive() {
		c.emit(ctx, model.Event{
			Kind:     model.EventPaused,
			Severity: model.SeverityInfo,
			Title:    "Request While Paused",
			Identity: identity,
			Detail:   fmt.Sprintf("%s requested a key while dispensing is paused.", mention(identity)),
		})
		return c.finish(&model.DispenseResult{Outcome: model.OutcomePaused}), nil
	}

	acc, err := c.accounts.Get(ctx, identity)
	if errors.Is(err, model.ErrNotLinked) {
		url, err := c.BeginLink(ctx, identity)
		if err != nil {
			return nil, err
		}
		c.emit(ctx, model.Event{
			Kind:     model.EventLinkPrompted,
			Severity: model.SeverityInfo,
			Title:    "Link Prompted",
			Identity: identity,
			Detail:   fmt.Sprintf("%s was asked to link their account.", mention(identity)),
		})
		return c.finish(&model.DispenseResult{Outcome: model.OutcomeLinkRequired, AuthorizationURL: url}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	window, err := c.cooldown.Get(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()

	// ロック外の判定は早期リターン用。確定判定はdispenseLocked内で行う。
	if d := cooldown.Evaluate(acc.LastIssuedAt(), window, now); !d.Eligible {
		return c.finish(cooldownResult(acc, d)), nil
	}

	return c.dispense(ctx, identity, window, now)
}

// BeginLink はstateトークンを発行し、OAuth認可URLを返す。
func (c *Coordinator) BeginLink(ctx context.Context, identity string) (string, error) {
	token, err := c.linkStates.Issue(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("failed to issue link state: %w", err)
	}
	return c.exchanger.AuthorizationURL(token), nil
}

// CompleteLink はOAuthコールバックを処理し、連携後の初回払い出しを行う。
//
// stateトークンは結果に関わらず消費される。プロフィール取得に失敗した場合は
// アカウントを作成せず、ユーザーは連携をやり直す必要がある。
// 既に連携済みの場合はAlreadyLinkedを立てて払い出し判定を続ける。
func (c *Coordinator) CompleteLink(ctx context.Context, code, state, callerIP string) (*model.LinkResult, error) {
	if d := c.callbackLimiter.Allow(callerIP); !d.Allowed {
		c.metrics.RecordRateLimited(c.callbackLimiter.Keyspace())
		c.metrics.RecordLink(linkOutcomeThrottled)
		c.emit(ctx, model.Event{
			Kind:     model.EventRateLimited,
			Severity: model.SeverityCritical,
			Title:    "Rate Limit Exceeded",
			Detail:   fmt.Sprintf("IP %s exceeded OAuth callback rate limit.", callerIP),
		})
		return nil, &model.ThrottledError{
			Keyspace:   c.callbackLimiter.Keyspace(),
			Key:        callerIP,
			RetryAfter: d.RetryAfter,
		}
	}

	if code == "" || state == "" {
		c.metrics.RecordLink(linkOutcomeMissingParams)
		c.emit(ctx, model.Event{
			Kind:     model.EventInvalidLinkState,
			Severity: model.SeverityWarning,
			Title:    "Invalid OAuth State",
			Detail:   fmt.Sprintf("Missing code or state. ip=%s", callerIP),
		})
		return nil, model.ErrMissingCallbackParams
	}

	identity, err := c.linkStates.Redeem(ctx, state)
	if errors.Is(err, model.ErrInvalidOrExpiredLinkToken) {
		c.metrics.RecordLink(linkOutcomeInvalidState)
		reason := "State not found"
		if errors.Is(err, model.ErrExpiredLinkToken) {
			reason = "State expired"
		}
		c.emit(ctx, model.Event{
			Kind:     model.EventInvalidLinkState,
			Severity: model.SeverityWarning,
			Title:    "Invalid OAuth State",
			Detail:   fmt.Sprintf("%s (ip=%s)", reason, callerIP),
		})
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem link state: %w", err)
	}

	profile, err := c.exchange(ctx, code)
	if err != nil {
		c.metrics.RecordLink(linkOutcomeUpstreamError)
		c.emit(ctx, model.Event{
			Kind:     model.EventUpstreamAuthError,
			Severity: model.SeverityCritical,
			Title:    "OAuth Error",
			Identity: identity,
			Detail:   fmt.Sprintf("OAuth token/user fetch error for %s: %v", mention(identity), err),
		})
		return nil, &model.UpstreamAuthError{Identity: identity, Err: err}
	}

	result := &model.LinkResult{Identity: identity}
	_, err = c.accounts.CreateLinked(ctx, identity, profile.Email, c.now())
	switch {
	case errors.Is(err, model.ErrAlreadyLinked):
		result.AlreadyLinked = true
		c.metrics.RecordLink(linkOutcomeDuplicate)
		c.emit(ctx, model.Event{
			Kind:     model.EventDuplicateLink,
			Severity: model.SeverityWarning,
			Title:    "Duplicate OAuth Attempt",
			Identity: identity,
			Detail:   fmt.Sprintf("%s tried to re-link.", mention(identity)),
		})
	case err != nil:
		return nil, fmt.Errorf("failed to create account: %w", err)
	default:
		c.metrics.RecordLink(linkOutcomeLinked)
		c.emit(ctx, model.Event{
			Kind:     model.EventLinked,
			Severity: model.SeverityInfo,
			Title:    "Account Linked",
			Identity: identity,
			Detail:   fmt.Sprintf("%s linked (%s).", mention(identity), profile.Email),
		})
	}

	if !c.gate.IsActive() {
		result.Dispense = c.finish(&model.DispenseResult{Outcome: model.OutcomePaused})
		return result, nil
	}

	window, err := c.cooldown.Get(ctx)
	if err != nil {
		return nil, err
	}
	dispensed, err := c.dispense(ctx, identity, window, c.now())
	if err != nil {
		return nil, err
	}
	result.Dispense = dispensed
	return result, nil
}

// exchange はタイムアウト付きで認可コードをプロフィールに交換する。
func (c *Coordinator) exchange(ctx context.Context, code string) (*model.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProfileTimeout)
	defer cancel()
	return c.exchanger.Exchange(ctx, code)
}

// dispense はロック内で払い出しを確定し、ロック解放後にDM送信と通知を行う。
// 確定処理は呼び出し元の切断やタイムアウトで中断しない。
func (c *Coordinator) dispense(ctx context.Context, identity string, window time.Duration, now time.Time) (*model.DispenseResult, error) {
	ctx = context.WithoutCancel(ctx)

	commitCtx, cancel := context.WithTimeout(ctx, c.config.CommitTimeout)
	result, events, err := c.dispenseLocked(commitCtx, identity, window, now)
	cancel()
	for _, e := range events {
		c.emit(ctx, e)
	}
	if err != nil {
		return nil, err
	}
	if result.Outcome != model.OutcomeDispensed {
		return c.finish(result), nil
	}

	result.DeliveryErr = c.deliver(ctx, identity, result.CredentialID)
	if result.DeliveryErr != nil {
		c.emit(ctx, model.Event{
			Kind:         model.EventDeliveryFailed,
			Severity:     model.SeverityWarning,
			Title:        "DM Delivery Failed",
			Identity:     identity,
			CredentialID: result.CredentialID,
			Detail: fmt.Sprintf("Could not DM %s **%s**: %v",
				mention(identity), result.CredentialID, result.DeliveryErr),
		})
	}
	c.emit(ctx, model.Event{
		Kind:         model.EventDispensed,
		Severity:     model.SeverityInfo,
		Title:        "Key Dispensed",
		Identity:     identity,
		CredentialID: result.CredentialID,
		Detail:       fmt.Sprintf("%s was issued **%s**.", mention(identity), result.CredentialID),
	})
	return c.finish(result), nil
}

// dispenseLocked はクールダウンの再判定からキーの取り出しと発行記録までを不可分に行う。
// 戻り値のイベントは呼び出し元がロック解放後に通知する。
func (c *Coordinator) dispenseLocked(ctx context.Context, identity string, window time.Duration, now time.Time) (*model.DispenseResult, []model.Event, error) {
	c.dispenseMu.Lock()
	defer c.dispenseMu.Unlock()

	acc, err := c.accounts.Get(ctx, identity)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account: %w", err)
	}

	d := cooldown.Evaluate(acc.LastIssuedAt(), window, now)
	if !d.Eligible {
		return cooldownResult(acc, d), nil, nil
	}
	if acc.Issuance != nil {
		if err := c.accounts.ClearIssuance(ctx, identity); err != nil {
			return nil, nil, fmt.Errorf("failed to clear previous issuance: %w", err)
		}
	}

	var events []model.Event
	count, err := c.pool.Count(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count pool: %w", err)
	}
	c.metrics.SetPoolAvailable(count)
	if e, ok := PoolLevelEvent(c.gate.EvaluatePoolLevel(count, c.config.LowPoolThreshold), count, c.config.LowPoolThreshold, now); ok {
		events = append(events, e)
	}

	cred, err := c.pool.ClaimAny(ctx, identity, now)
	if errors.Is(err, model.ErrPoolEmpty) {
		events = append(events, model.Event{
			Kind:     model.EventPoolExhausted,
			Severity: model.SeverityWarning,
			Title:    "Key Pool Exhausted",
			Identity: identity,
			Detail:   fmt.Sprintf("No keys left for %s. Restock with /addkeys.", mention(identity)),
			At:       now,
		})
		return &model.DispenseResult{Outcome: model.OutcomePoolExhausted}, events, nil
	}
	if err != nil {
		return nil, events, fmt.Errorf("failed to claim credential: %w", err)
	}
	c.metrics.SetPoolAvailable(count - 1)

	if err := c.accounts.RecordIssuance(ctx, identity, cred.ID, now); err != nil {
		incident := &model.InconsistencyError{
			IncidentID:   uuid.NewString(),
			Identity:     identity,
			CredentialID: cred.ID,
			Err:          err,
		}
		c.metrics.RecordDispense(outcomeInconsistency)
		events = append(events, model.Event{
			Kind:         model.EventInconsistency,
			Severity:     model.SeverityCritical,
			Title:        "Internal Inconsistency",
			Identity:     identity,
			CredentialID: cred.ID,
			Detail: fmt.Sprintf("Incident %s: **%s** was claimed for %s but the account was not updated: %v",
				incident.IncidentID, cred.ID, mention(identity), err),
			At: now,
		})
		return nil, events, incident
	}

	return &model.DispenseResult{Outcome: model.OutcomeDispensed, CredentialID: cred.ID}, events, nil
}

// deliver は呼び出し元のキャンセルから切り離してキーを送信する。
func (c *Coordinator) deliver(ctx context.Context, identity, credentialID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.DeliveryTimeout)
	defer cancel()
	return c.deliverer.SendCredential(ctx, identity, credentialID)
}

func (c *Coordinator) finish(result *model.DispenseResult) *model.DispenseResult {
	c.metrics.RecordDispense(string(result.Outcome))
	return result
}

func (c *Coordinator) emit(ctx context.Context, e model.Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.observer.Notify(ctx, e)
}

func cooldownResult(acc *model.Account, d cooldown.Decision) *model.DispenseResult {
	return &model.DispenseResult{
		Outcome:      model.OutcomeCooldownActive,
		CredentialID: acc.Issuance.CredentialID,
		Remaining:    d.Remaining,
	}
}

// PoolLevelEvent は在庫低下アラートの遷移を通知イベントに変換する。
// 通知不要の場合はfalseを返す。
func PoolLevelEvent(t admission.Transition, count, threshold int, at time.Time) (model.Event, bool) {
	switch t {
	case admission.TransitionEntered:
		return model.Event{
			Kind:     model.EventLowPoolEntered,
			Severity: model.SeverityWarning,
			Title:    "Low Key Pool",
			Detail:   fmt.Sprintf("Only %d keys left (threshold %d).", count, threshold),
			At:       at,
		}, true
	case admission.TransitionCleared:
		return model.Event{
			Kind:     model.EventLowPoolCleared,
			Severity: model.SeverityInfo,
			Title:    "Key Pool Restocked",
			Detail:   fmt.Sprintf("%d keys available (threshold %d).", count, threshold),
			At:       at,
		}, true
	default:
		return model.Event{}, false
	}
}

func mention(identity string) string {
	return "<@" + identity + ">"
}
