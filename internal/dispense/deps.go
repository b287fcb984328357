package dispense

import (
	"context"
	"time"

	"github.com/hitoshi/trialkey/internal/admission"
	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/ratelimit"
)

// RateLimiter はキー単位のレート制限。
type RateLimiter interface {
	Allow(key string) ratelimit.Decision
	Keyspace() string
}

// Gate は一時停止フラグと在庫低下アラートの判定。
type Gate interface {
	IsActive() bool
	EvaluatePoolLevel(count, threshold int) admission.Transition
}

// Accounts はアカウントの読み書き。
type Accounts interface {
	Get(ctx context.Context, identity string) (*model.Account, error)
	CreateLinked(ctx context.Context, identity, profileID string, at time.Time) (*model.Account, error)
	RecordIssuance(ctx context.Context, identity, credentialID string, at time.Time) error
	ClearIssuance(ctx context.Context, identity string) error
}

// LinkStates はワンタイムstateトークンの発行と引き換え。
type LinkStates interface {
	Issue(ctx context.Context, identity string) (string, error)
	Redeem(ctx context.Context, token string) (string, error)
}

// Pool はトライアルキーのプール。
type Pool interface {
	ClaimAny(ctx context.Context, owner string, at time.Time) (*model.Credential, error)
	Count(ctx context.Context) (int, error)
}

// CooldownSettings は現在のクールダウン期間を返す。
type CooldownSettings interface {
	Get(ctx context.Context) (time.Duration, error)
}

// ProfileExchanger はOAuthプロバイダーとのやり取りを行う。
type ProfileExchanger interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (*model.Profile, error)
}

// Deliverer は発行したキーをユーザーに届ける。
type Deliverer interface {
	SendCredential(ctx context.Context, identity, credentialID string) error
}

// Observer は状態遷移イベントの通知先。
type Observer interface {
	Notify(ctx context.Context, event model.Event)
}

// Deps はCoordinatorの依存。Observer、Metrics、Nowは省略できる。
type Deps struct {
	CommandLimiter  RateLimiter
	CallbackLimiter RateLimiter
	Gate            Gate
	Accounts        Accounts
	LinkStates      LinkStates
	Pool            Pool
	Cooldown        CooldownSettings
	Exchanger       ProfileExchanger
	Deliverer       Deliverer
	Observer        Observer
	Metrics         Recorder
	Now             func() time.Time
}

// Recorder は払い出し処理が記録するメトリクス。
type Recorder interface {
	RecordDispense(outcome string)
	RecordLink(outcome string)
	SetPoolAvailable(count int)
	RecordRateLimited(keyspace string)
	RecordDispenseLatency(duration time.Duration)
}

// Config は払い出し処理の設定。
type Config struct {
	LowPoolThreshold int
	DeliveryTimeout  time.Duration
	ProfileTimeout   time.Duration
	// CommitTimeout はキーの取り出しから発行記録までのストア操作全体の上限。
	// 呼び出し元のキャンセルとは切り離して適用する。
	CommitTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		LowPoolThreshold: 20,
		DeliveryTimeout:  5 * time.Second,
		ProfileTimeout:   10 * time.Second,
		CommitTimeout:    10 * time.Second,
	}
}

type nopObserver struct{}

func (nopObserver) Notify(context.Context, model.Event) {}

type nopRecorder struct{}

func (nopRecorder) RecordDispense(string)               {}
func (nopRecorder) RecordLink(string)                   {}
func (nopRecorder) SetPoolAvailable(int)                {}
func (nopRecorder) RecordRateLimited(string)            {}
func (nopRecorder) RecordDispenseLatency(time.Duration) {}
