// Package model はドメインモデルを定義する。
package model

import "time"

// AccountState はアカウントの状態を表す。
// レコードが存在しない場合は AccountUnlinked として扱う。
type AccountState string

const (
	// AccountUnlinked は外部アカウントとの紐付けが行われていない状態。
	AccountUnlinked AccountState = "unlinked"
	// AccountLinkedNoIssuance は紐付け済みで発行中のキーがない状態。
	AccountLinkedNoIssuance AccountState = "linked"
	// AccountLinkedWithIssuance は紐付け済みで発行済みキーを保持している状態。
	AccountLinkedWithIssuance AccountState = "linked_with_issuance"
)

// Account は外部ID（チャットプラットフォームのユーザーID）ごとのアカウントを表す。
// 発行記録は最新の1件のみを保持し、履歴は残さない。
type Account struct {
	Identity  string    `json:"identity"`
	ProfileID string    `json:"profile_id,omitempty"` // OAuthで取得したメールアドレス
	LinkedAt  time.Time `json:"linked_at"`
	Issuance  *Issuance `json:"issuance,omitempty"`
}

// Issuance はアカウントに紐づく発行済みキーの記録。
type Issuance struct {
	CredentialID string    `json:"credential_id"`
	IssuedAt     time.Time `json:"issued_at"`
}

// State はアカウントの状態を返す。nilレシーバは未紐付けとして扱う。
func (a *Account) State() AccountState {
	switch {
	case a == nil:
		return AccountUnlinked
	case a.Issuance == nil:
		return AccountLinkedNoIssuance
	default:
		return AccountLinkedWithIssuance
	}
}

// LastIssuedAt は最後の発行日時を返す。発行記録がない場合はnil。
func (a *Account) LastIssuedAt() *time.Time {
	if a == nil || a.Issuance == nil {
		return nil
	}
	t := a.Issuance.IssuedAt
	return &t
}

// Profile はOAuthプロバイダーから取得したユーザー情報を表す。
type Profile struct {
	ProviderUserID string
	Email          string
	Username       string
}

// LinkState はOAuth連携用のワンタイムstateトークンのレコード。
type LinkState struct {
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}
