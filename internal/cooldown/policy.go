// Package cooldown はキー再発行までのクールダウン判定を提供する。
package cooldown

import "time"

// DefaultDuration は再発行までのデフォルト待機期間（30日）。
const DefaultDuration = 30 * 24 * time.Hour

// Decision はクールダウン判定の結果。
type Decision struct {
	Eligible  bool
	Remaining time.Duration
}

// Evaluate は前回の発行日時とクールダウン期間から発行可否を判定する純粋関数。
// 判定中に時計を読み直さないよう、呼び出し元が現在時刻を渡す。
// 発行記録がない場合、および残り時間が0以下の場合は発行可能とする。
func Evaluate(lastIssuedAt *time.Time, window time.Duration, now time.Time) Decision {
	if lastIssuedAt == nil {
		return Decision{Eligible: true}
	}

	remaining := lastIssuedAt.Add(window).Sub(now)
	if remaining <= 0 {
		return Decision{Eligible: true}
	}
	return Decision{Eligible: false, Remaining: remaining}
}
