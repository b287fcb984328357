package model

import "time"

// CredentialState はトライアルキーの状態を表す。
type CredentialState string

const (
	// CredentialAvailable は未発行でプールに残っている状態。
	CredentialAvailable CredentialState = "available"
	// CredentialClaimed は発行済みの状態。重複登録検出のためレコードは残す。
	CredentialClaimed CredentialState = "claimed"
)

// Credential はユーザーに1回だけ発行されるトライアルキー。
// IDは不透明な文字列として扱い、形式は解釈しない。
type Credential struct {
	ID        string          `json:"id"`
	State     CredentialState `json:"state"`
	Owner     string          `json:"owner,omitempty"`
	AddedAt   time.Time       `json:"added_at"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
}

// AddReport はキー一括登録の結果を表す。
type AddReport struct {
	Added     int `json:"added"`
	Duplicate int `json:"duplicate"`
	Invalid   int `json:"invalid"`
}
