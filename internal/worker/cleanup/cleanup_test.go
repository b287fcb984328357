package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/trialkey/internal/linkstate"
	"github.com/hitoshi/trialkey/internal/store"
)

type mockSweeper struct {
	calls   atomic.Int32
	deleted int
	err     error
}

func (m *mockSweeper) Sweep(context.Context) (int, error) {
	m.calls.Add(1)
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestRun_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewSweepJob(&mockSweeper{deleted: 3}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログがJSONではない: %v", err)
	}
	if entry["deleted_count"] != float64(3) {
		t.Errorf("deleted_count = %v, want 3", entry["deleted_count"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms がログに含まれていない")
	}
}

func TestRun_ReturnsAndLogsError(t *testing.T) {
	var buf bytes.Buffer
	job := NewSweepJob(&mockSweeper{err: errors.New("store unavailable")}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("Sweep のエラーが返されるべき")
	}
	if !strings.Contains(buf.String(), "store unavailable") {
		t.Errorf("エラーがログに記録されていない: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("ERROR レベルで記録されるべき: %s", buf.String())
	}
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	sweeper := &mockSweeper{}
	job := NewSweepJob(sweeper, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("起動直後に Run が実行されていない")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しない")
	}
}

// 実際のstateストアと組み合わせて期限切れトークンのみが消えることを確認する。
func TestRun_WithLinkStateStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	backing := store.NewMemoryStore()
	states := linkstate.NewWithClock(backing, time.Hour, clock)

	if _, err := states.Issue(ctx, "old"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := states.Issue(ctx, "fresh"); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var buf bytes.Buffer
	if err := NewSweepJob(states, newTestLogger(&buf)).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	keys, err := backing.Keys(ctx, store.PrefixLinkState)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("remaining tokens = %d, want 1", len(keys))
	}
	if !strings.Contains(buf.String(), `"deleted_count":1`) {
		t.Errorf("deleted_count が1であるべき: %s", buf.String())
	}
}
