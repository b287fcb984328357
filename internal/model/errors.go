// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// クライアントに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, dispense, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ドメインエラー
var (
	ErrNotFound                  = errors.New("not found")
	ErrAlreadyLinked             = errors.New("account already linked")
	ErrNotLinked                 = errors.New("account not linked")
	ErrPoolEmpty                 = errors.New("credential pool is empty")
	ErrInvalidOrExpiredLinkToken = errors.New("invalid or expired link token")
	ErrInvalidLinkToken          = fmt.Errorf("unknown link token: %w", ErrInvalidOrExpiredLinkToken)
	ErrExpiredLinkToken          = fmt.Errorf("expired link token: %w", ErrInvalidOrExpiredLinkToken)
	ErrMissingCallbackParams     = errors.New("missing code or state")
	ErrInternalInconsistency     = errors.New("internal inconsistency")
	ErrInvalidCooldown           = errors.New("cooldown must not be negative")
)

// ThrottledError はレート制限超過を表す。呼び出し元はRetryAfter後に再試行できる。
type ThrottledError struct {
	Keyspace   string
	Key        string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %q, retry after %s", e.Keyspace, e.Key, e.RetryAfter)
}

// UpstreamAuthError は認可コード交換またはプロフィール取得の失敗を表す。
type UpstreamAuthError struct {
	Identity string
	Err      error
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("upstream auth failure for %s: %v", e.Identity, e.Err)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// InconsistencyError はキーをプールから取り出した後にアカウント更新が失敗した状態を表す。
// 自動ロールバックは行わず、運用インシデントとして扱う。
type InconsistencyError struct {
	IncidentID   string
	Identity     string
	CredentialID string
	Err          error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("incident %s: credential %s claimed for %s but not recorded: %v",
		e.IncidentID, e.CredentialID, e.Identity, e.Err)
}

func (e *InconsistencyError) Unwrap() []error {
	return []error{ErrInternalInconsistency, e.Err}
}

// 定義済みエラーコード
const (
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeMissingParams    = "MISSING_CALLBACK_PARAMS"
	ErrCodeInvalidLinkState = "INVALID_LINK_STATE"
	ErrCodeUpstreamAuth     = "UPSTREAM_AUTH_FAILED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotLinked        = "NOT_LINKED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests.",
		Category: "system",
		Action:   fmt.Sprintf("Please wait %s and try again.", retryAfter.Round(time.Second)),
	}
}

// NewMissingCallbackParamsError はcodeまたはstateが欠けている場合のエラーを生成する。
func NewMissingCallbackParamsError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingParams,
		Message:  "Missing code or state.",
		Category: "auth",
		Action:   "Run /trial again to get a fresh link.",
	}
}

// NewInvalidLinkStateError は無効または期限切れのstateに対するエラーを生成する。
func NewInvalidLinkStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLinkState,
		Message:  "This link is invalid or has expired.",
		Category: "auth",
		Action:   "Run /trial again to get a fresh link.",
	}
}

// NewUpstreamAuthError はOAuthプロバイダーとの通信失敗エラーを生成する。
func NewUpstreamAuthError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamAuth,
		Message:  "We could not verify your account with the provider.",
		Category: "auth",
		Action:   "Run /trial again to restart linking.",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewUnauthorizedError は管理APIの認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Missing or invalid admin token.",
		Category: "auth",
		Action:   "Send a valid bearer token.",
	}
}

// NewNotLinkedError は対象アカウントが存在しない場合のエラーを生成する。
func NewNotLinkedError(identity string) *APIError {
	return &APIError{
		Code:     ErrCodeNotLinked,
		Message:  fmt.Sprintf("No linked account for %s.", identity),
		Category: "validation",
		Action:   "Check the user ID.",
	}
}

// NewIncidentError はキー取り出し後の記録失敗を運用インシデントとして返す。
func NewIncidentError(incidentID string) *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  fmt.Sprintf("The key was claimed but could not be recorded (incident %s).", incidentID),
		Category: "dispense",
		Action:   "Contact staff with the incident ID.",
	}
}
