package linkstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock, *store.MemoryStore) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	backing := store.NewMemoryStore()
	return NewWithClock(backing, ttl, clock.Now), clock, backing
}

func TestIssue_GeneratesDistinctURLSafeTokens(t *testing.T) {
	s, _, _ := newTestStore(time.Hour)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := s.Issue(ctx, "111")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		// 32バイトのbase64url（パディングなし）は43文字
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43", len(tok))
		}
		for _, c := range tok {
			if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				t.Fatalf("token %q contains non URL-safe char %q", tok, c)
			}
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestRedeem_OnceOnly(t *testing.T) {
	s, _, _ := newTestStore(time.Hour)
	ctx := context.Background()

	tok, _ := s.Issue(ctx, "111")

	identity, err := s.Redeem(ctx, tok)
	if err != nil {
		t.Fatalf("first Redeem failed: %v", err)
	}
	if identity != "111" {
		t.Errorf("identity = %q, want 111", identity)
	}

	_, err = s.Redeem(ctx, tok)
	if !errors.Is(err, model.ErrInvalidOrExpiredLinkToken) {
		t.Errorf("second Redeem error = %v, want ErrInvalidOrExpiredLinkToken", err)
	}
}

func TestRedeem_UnknownToken(t *testing.T) {
	s, _, _ := newTestStore(time.Hour)

	for _, tok := range []string{"nope", "", "   "} {
		_, err := s.Redeem(context.Background(), tok)
		if !errors.Is(err, model.ErrInvalidLinkToken) {
			t.Errorf("Redeem(%q) error = %v, want ErrInvalidLinkToken", tok, err)
		}
	}
}

func TestRedeem_ExpiredOnFirstAttempt(t *testing.T) {
	s, clock, backing := newTestStore(time.Hour)
	ctx := context.Background()

	tok, _ := s.Issue(ctx, "111")
	clock.Advance(time.Hour)

	_, err := s.Redeem(ctx, tok)
	if !errors.Is(err, model.ErrExpiredLinkToken) {
		t.Fatalf("Redeem error = %v, want ErrExpiredLinkToken", err)
	}
	if !errors.Is(err, model.ErrInvalidOrExpiredLinkToken) {
		t.Errorf("expired error should also match ErrInvalidOrExpiredLinkToken")
	}

	// 期限切れでもレコードは削除される
	if ok, _ := backing.Exists(ctx, store.LinkStateKey(tok)); ok {
		t.Error("expired link state should be deleted on redeem")
	}
}

func TestRedeem_JustBeforeExpiry(t *testing.T) {
	s, clock, _ := newTestStore(time.Hour)
	ctx := context.Background()

	tok, _ := s.Issue(ctx, "111")
	clock.Advance(time.Hour - time.Second)

	if _, err := s.Redeem(ctx, tok); err != nil {
		t.Errorf("Redeem before TTL failed: %v", err)
	}
}

func TestRedeem_ConcurrentRedeemersOnlyOneWins(t *testing.T) {
	s, _, _ := newTestStore(time.Hour)
	ctx := context.Background()
	tok, _ := s.Issue(ctx, "111")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Redeem(ctx, tok); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful redemptions = %d, want 1", wins)
	}
}

func TestRedeem_CorruptRecordIsInvalidAndRemoved(t *testing.T) {
	s, _, backing := newTestStore(time.Hour)
	ctx := context.Background()
	_ = backing.Set(ctx, store.LinkStateKey("broken"), []byte(`{`))

	_, err := s.Redeem(ctx, "broken")
	if !errors.Is(err, model.ErrInvalidLinkToken) {
		t.Errorf("Redeem error = %v, want ErrInvalidLinkToken", err)
	}
	if ok, _ := backing.Exists(ctx, store.LinkStateKey("broken")); ok {
		t.Error("corrupt link state should be deleted")
	}
}

func TestSweepAndPending(t *testing.T) {
	s, clock, _ := newTestStore(time.Hour)
	ctx := context.Background()

	_, _ = s.Issue(ctx, "old-1")
	_, _ = s.Issue(ctx, "old-2")
	clock.Advance(50 * time.Minute)
	fresh, _ := s.Issue(ctx, "fresh")
	clock.Advance(10 * time.Minute)

	n, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Sweep removed = %d, want 2", removed)
	}

	if id, err := s.Redeem(ctx, fresh); err != nil || id != "fresh" {
		t.Errorf("Redeem(fresh) = %q, %v", id, err)
	}
}

func TestNew_DefaultTTL(t *testing.T) {
	if got := New(store.NewMemoryStore(), 0).TTL(); got != DefaultTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultTTL)
	}
}
