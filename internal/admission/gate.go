// Package admission は払い出しの一時停止スイッチと在庫低下アラートの判定を提供する。
package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/trialkey/internal/store"
)

// Transition は在庫低下アラートの遷移。
type Transition int

const (
	// TransitionNone は通知不要。
	TransitionNone Transition = iota
	// TransitionEntered は在庫が閾値以下になった。
	TransitionEntered
	// TransitionCleared は在庫が閾値を上回った。
	TransitionCleared
)

func (t Transition) String() string {
	switch t {
	case TransitionEntered:
		return "entered"
	case TransitionCleared:
		return "cleared"
	default:
		return "none"
	}
}

// Gate は管理者による一時停止フラグと在庫低下の警告状態を保持する。
// 払い出しの排他制御には使わない。
type Gate struct {
	store store.Store

	mu            sync.RWMutex
	frozen        bool
	lowPoolWarned bool
}

// New はGateを生成する。永続化された状態の読み込みにはLoadを呼ぶ。
func New(s store.Store) *Gate {
	return &Gate{store: s}
}

// Load はストアから一時停止フラグを読み込む。
func (g *Gate) Load(ctx context.Context) error {
	var frozen bool
	err := store.GetJSON(ctx, g.store, store.KeyFrozen, &frozen)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("failed to load admission state: %w", err)
	}

	g.mu.Lock()
	g.frozen = frozen
	g.mu.Unlock()
	return nil
}

// IsActive は払い出しを受け付けているかを返す。
func (g *Gate) IsActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.frozen
}

// SetFrozen は一時停止フラグを設定して永続化する。状態が変わった場合にtrueを返す。
func (g *Gate) SetFrozen(ctx context.Context, frozen bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen == frozen {
		return false, nil
	}
	if err := store.SetJSON(ctx, g.store, store.KeyFrozen, frozen); err != nil {
		return false, fmt.Errorf("failed to save admission state: %w", err)
	}
	g.frozen = frozen
	return true, nil
}

// EvaluatePoolLevel は在庫数を閾値と比較し、警告状態が切り替わった場合のみ遷移を返す。
func (g *Gate) EvaluatePoolLevel(count, threshold int) Transition {
	g.mu.Lock()
	defer g.mu.Unlock()

	low := count <= threshold
	switch {
	case low && !g.lowPoolWarned:
		g.lowPoolWarned = true
		return TransitionEntered
	case !low && g.lowPoolWarned:
		g.lowPoolWarned = false
		return TransitionCleared
	default:
		return TransitionNone
	}
}
