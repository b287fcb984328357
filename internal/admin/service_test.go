package admin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/trialkey/internal/account"
	"github.com/hitoshi/trialkey/internal/admission"
	"github.com/hitoshi/trialkey/internal/cooldown"
	"github.com/hitoshi/trialkey/internal/linkstate"
	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/pool"
	"github.com/hitoshi/trialkey/internal/store"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []model.Event
}

func (o *recordingObserver) Notify(_ context.Context, e model.Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) kinds() []model.EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ks []model.EventKind
	for _, e := range o.events {
		ks = append(ks, e.Kind)
	}
	return ks
}

func (o *recordingObserver) count(kind model.EventKind) int {
	n := 0
	for _, k := range o.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeGauge struct{ last int }

func (g *fakeGauge) SetPoolAvailable(n int) { g.last = n }

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	gate     *admission.Gate
	pool     *pool.Pool
	accounts *account.Registry
	links    *linkstate.Store
	observer *recordingObserver
	gauge    *fakeGauge
}

func newFixture(threshold int) *fixture {
	f := &fixture{store: store.NewMemoryStore(), observer: &recordingObserver{}, gauge: &fakeGauge{}}
	f.gate = admission.New(f.store)
	f.pool = pool.New(f.store)
	f.accounts = account.NewRegistry(f.store)
	f.links = linkstate.New(f.store, time.Hour)
	f.svc = NewService(f.gate, f.pool, f.accounts, cooldown.NewSettings(f.store, cooldown.DefaultDuration),
		f.links, f.observer, f.gauge, threshold)
	return f
}

func keys(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "KEY-" + string(rune('A'+i/26)) + string(rune('A'+i%26))
	}
	return ids
}

func TestSetFrozen_NotifiesOnlyOnChange(t *testing.T) {
	f := newFixture(20)
	ctx := context.Background()

	changed, err := f.svc.SetFrozen(ctx, "999", true)
	if err != nil || !changed {
		t.Fatalf("SetFrozen = %v, %v", changed, err)
	}
	changed, _ = f.svc.SetFrozen(ctx, "999", true)
	if changed {
		t.Error("second freeze should not change")
	}
	if f.gate.IsActive() {
		t.Error("gate should be frozen")
	}
	if n := f.observer.count(model.EventAdminAction); n != 1 {
		t.Errorf("admin events = %d, want 1", n)
	}
	if f.observer.events[0].Title != "Dispensing Paused" || f.observer.events[0].Detail != "<@999> paused key dispensing." {
		t.Errorf("event = %+v", f.observer.events[0])
	}
}

func TestAddCredentials_ReportsAndEvaluatesPool(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()

	report, err := f.svc.AddCredentials(ctx, "999", []string{"KEY-1", "KEY-1", "BAD KEY"})
	if err != nil {
		t.Fatalf("AddCredentials: %v", err)
	}
	if report != (model.AddReport{Added: 1, Duplicate: 1, Invalid: 1}) {
		t.Errorf("report = %+v", report)
	}
	// 1件は閾値2以下
	if f.observer.count(model.EventLowPoolEntered) != 1 {
		t.Errorf("events = %v, want low_pool_entered", f.observer.kinds())
	}
	if f.gauge.last != 1 {
		t.Errorf("gauge = %d, want 1", f.gauge.last)
	}

	_, _ = f.svc.AddCredentials(ctx, "999", []string{"KEY-2", "KEY-3"})
	if f.observer.count(model.EventLowPoolCleared) != 1 {
		t.Errorf("events = %v, want low_pool_cleared", f.observer.kinds())
	}
}

// 閾値20: 21→20でEnteredが1回、0まで減らしても追加なし、21に戻すとClearedが1回。
func TestPoolLevelAlert_AcrossAdminOperations(t *testing.T) {
	f := newFixture(20)
	ctx := context.Background()

	_, _ = f.svc.AddCredentials(ctx, "999", keys(21))
	for i := 0; i < 21; i++ {
		if _, err := f.pool.ClaimAny(ctx, "user", time.Now()); err != nil {
			t.Fatalf("ClaimAny: %v", err)
		}
		// 空の追加でも在庫を再評価する
		if _, err := f.svc.AddCredentials(ctx, "999", nil); err != nil {
			t.Fatalf("AddCredentials: %v", err)
		}
	}
	if n := f.observer.count(model.EventLowPoolEntered); n != 1 {
		t.Errorf("entered events = %d, want 1", n)
	}

	_, _ = f.svc.AddCredentials(ctx, "999", keys(42)[21:])
	if n := f.observer.count(model.EventLowPoolCleared); n != 1 {
		t.Errorf("cleared events = %d, want 1", n)
	}
	if n := f.observer.count(model.EventLowPoolEntered); n != 1 {
		t.Errorf("entered events after restock = %d, want 1", n)
	}
}

func TestClearAllCredentials(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	_, _ = f.svc.AddCredentials(ctx, "999", []string{"KEY-1", "KEY-2", "KEY-3"})

	removed, err := f.svc.ClearAllCredentials(ctx, "999")
	if err != nil {
		t.Fatalf("ClearAllCredentials: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	st, _ := f.svc.Status(ctx)
	if st.Available != 0 {
		t.Errorf("Available = %d, want 0", st.Available)
	}
}

func TestUnlink(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	_, _ = f.accounts.CreateLinked(ctx, "111", "a@example.com", time.Now())

	if err := f.svc.Unlink(ctx, "999", "111"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := f.svc.Unlink(ctx, "999", "111"); !errors.Is(err, model.ErrNotLinked) {
		t.Errorf("second Unlink error = %v, want ErrNotLinked", err)
	}
	if n := f.observer.count(model.EventAdminAction); n != 1 {
		t.Errorf("admin events = %d, want 1", n)
	}
}

func TestSetCooldown(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	if err := f.svc.SetCooldown(ctx, "api:ops", 7*24*time.Hour); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	st, _ := f.svc.Status(ctx)
	if st.Cooldown != 7*24*time.Hour || st.CooldownText != "7 days" || st.CooldownSecs != 604800 {
		t.Errorf("status cooldown = %v %q %d", st.Cooldown, st.CooldownText, st.CooldownSecs)
	}
	if got := f.observer.events[0].Detail; got != "api:ops set the cooldown to 7 days." {
		t.Errorf("Detail = %q", got)
	}

	if err := f.svc.SetCooldown(ctx, "999", -time.Hour); !errors.Is(err, model.ErrInvalidCooldown) {
		t.Errorf("negative cooldown error = %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	_, _ = f.svc.AddCredentials(ctx, "999", []string{"KEY-1", "KEY-2"})
	_, _ = f.accounts.CreateLinked(ctx, "111", "a@example.com", time.Now())
	_, _ = f.links.Issue(ctx, "222")
	_, _ = f.gate.SetFrozen(ctx, true)

	st, err := f.svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := Status{
		Available:      2,
		Frozen:         true,
		Cooldown:       cooldown.DefaultDuration,
		CooldownText:   "30 days",
		CooldownSecs:   int64(cooldown.DefaultDuration / time.Second),
		LinkedAccounts: 1,
		PendingLinks:   1,
	}
	if *st != want {
		t.Errorf("Status = %+v, want %+v", *st, want)
	}
}

func TestParseCooldownDays(t *testing.T) {
	if d, err := ParseCooldownDays(30); err != nil || d != cooldown.DefaultDuration {
		t.Errorf("ParseCooldownDays(30) = %v, %v", d, err)
	}
	if d, err := ParseCooldownDays(0); err != nil || d != 0 {
		t.Errorf("ParseCooldownDays(0) = %v, %v", d, err)
	}
	if _, err := ParseCooldownDays(-1); !errors.Is(err, model.ErrInvalidCooldown) {
		t.Errorf("ParseCooldownDays(-1) error = %v", err)
	}
	if _, err := ParseCooldownDays(5000); err == nil {
		t.Error("ParseCooldownDays(5000) should fail")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{90 * time.Minute, "1h30m0s"},
		{24 * time.Hour, "1 day"},
		{30 * 24 * time.Hour, "30 days"},
		{50 * time.Hour, "2d 2h0m0s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
