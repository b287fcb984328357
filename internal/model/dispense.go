package model

import "time"

// Outcome はキー発行リクエストの終端状態を表す。
type Outcome string

const (
	// OutcomeDispensed は新しいキーが発行されたことを示す。
	OutcomeDispensed Outcome = "dispensed"
	// OutcomeThrottled はレート制限により拒否されたことを示す。
	OutcomeThrottled Outcome = "throttled"
	// OutcomePaused は管理者による一時停止中であることを示す。
	OutcomePaused Outcome = "paused"
	// OutcomeLinkRequired はOAuth連携が必要であることを示す（エラーではない）。
	OutcomeLinkRequired Outcome = "link_required"
	// OutcomeCooldownActive はクールダウン中で前回のキーを再表示したことを示す。
	OutcomeCooldownActive Outcome = "cooldown_active"
	// OutcomePoolExhausted はプールが空で発行できなかったことを示す。
	OutcomePoolExhausted Outcome = "pool_exhausted"
)

// DispenseResult はキー発行リクエストの結果。
type DispenseResult struct {
	Outcome Outcome
	// CredentialID は発行されたキー、またはクールダウン中に再表示する前回のキー。
	CredentialID string
	// RetryAfter はOutcomeThrottledの場合の待機時間。
	RetryAfter time.Duration
	// Remaining はOutcomeCooldownActiveの場合の残りクールダウン時間。
	Remaining time.Duration
	// AuthorizationURL はOutcomeLinkRequiredの場合の連携URL。
	AuthorizationURL string
	// DeliveryErr はキー発行後のDM送信に失敗した場合のエラー。
	// 発行自体は確定しており、取り消されない。
	DeliveryErr error
}

// LinkResult はOAuthコールバック処理の結果。
type LinkResult struct {
	Identity string
	// AlreadyLinked は既に紐付け済みのアカウントに対する重複連携だったことを示す。
	AlreadyLinked bool
	// Dispense は連携直後に実行した初回発行の結果。
	Dispense *DispenseResult
}
