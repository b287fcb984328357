package pool

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/store"
)

var addedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func seededPool(t *testing.T, ids ...string) *Pool {
	t.Helper()
	p := New(store.NewMemoryStore())
	report, err := p.Add(context.Background(), ids, addedAt)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if report.Added != len(ids) {
		t.Fatalf("Added = %d, want %d", report.Added, len(ids))
	}
	return p
}

func TestClaimAny(t *testing.T) {
	ctx := context.Background()
	p := seededPool(t, "KEY-A")

	cred, err := p.ClaimAny(ctx, "111", addedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClaimAny failed: %v", err)
	}
	if cred.ID != "KEY-A" || cred.Owner != "111" || cred.State != model.CredentialClaimed {
		t.Errorf("ClaimAny = %+v", cred)
	}
	if cred.ClaimedAt == nil || !cred.ClaimedAt.Equal(addedAt.Add(time.Hour)) {
		t.Errorf("ClaimedAt = %v", cred.ClaimedAt)
	}

	if _, err := p.ClaimAny(ctx, "222", addedAt); !errors.Is(err, model.ErrPoolEmpty) {
		t.Errorf("ClaimAny on empty pool error = %v, want ErrPoolEmpty", err)
	}
}

// N件の同時取り出しに対しK件（K < N）のプールでは、ちょうどK件が成功し重複はない。
func TestClaimAny_ConcurrentClaimsAreUnique(t *testing.T) {
	const k, n = 10, 40
	ids := make([]string, k)
	for i := range ids {
		ids[i] = fmt.Sprintf("KEY-%02d", i)
	}
	p := seededPool(t, ids...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var claimed []string
	empty := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := p.ClaimAny(context.Background(), fmt.Sprintf("user-%d", i), addedAt)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, model.ErrPoolEmpty):
				empty++
			case err != nil:
				t.Errorf("ClaimAny failed: %v", err)
			default:
				claimed = append(claimed, cred.ID)
			}
		}(i)
	}
	wg.Wait()

	if len(claimed) != k || empty != n-k {
		t.Fatalf("claimed = %d, empty = %d; want %d, %d", len(claimed), empty, k, n-k)
	}
	sort.Strings(claimed)
	if !reflect.DeepEqual(claimed, ids) {
		t.Errorf("claimed ids = %v, want %v", claimed, ids)
	}
}

func TestAdd_ReportsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	p := seededPool(t, "KEY-OLD")

	report, err := p.Add(ctx, []string{"KEY-OLD", "BAD KEY", "KEY-NEW"}, addedAt)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	want := model.AddReport{Added: 1, Duplicate: 1, Invalid: 1}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}

	n, _ := p.Count(ctx)
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestAdd_ClaimedKeyIsStillDuplicate(t *testing.T) {
	ctx := context.Background()
	p := seededPool(t, "KEY-A")
	_, _ = p.ClaimAny(ctx, "111", addedAt)

	report, _ := p.Add(ctx, []string{"KEY-A"}, addedAt)
	if report.Duplicate != 1 || report.Added != 0 {
		t.Errorf("report = %+v, want 1 duplicate", report)
	}
}

func TestAdd_DuplicateWithinBatch(t *testing.T) {
	p := New(store.NewMemoryStore())

	report, _ := p.Add(context.Background(), []string{"KEY-A", " KEY-A ", "", "KEY-B"}, addedAt)
	want := model.AddReport{Added: 2, Duplicate: 1}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
}

func TestRemoveAll_KeepsClaimedRecords(t *testing.T) {
	ctx := context.Background()
	p := seededPool(t, "KEY-A", "KEY-B", "KEY-C")
	claimed, _ := p.ClaimAny(ctx, "111", addedAt)

	removed, err := p.RemoveAll(ctx)
	if err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	n, _ := p.Count(ctx)
	if n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}

	all, _ := p.List(ctx)
	if len(all) != 1 || all[0].ID != claimed.ID {
		t.Errorf("List after RemoveAll = %v, want only %s", all, claimed.ID)
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"TRIAL-1234-ABCD", true},
		{"abc_def.ghi", true},
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{"nbsp\u00a0here", false},
		{string(make([]byte, MaxIDLength+1)), false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestParseIDs(t *testing.T) {
	got := ParseIDs("KEY-1, KEY-2\nKEY 3\r\n,,KEY-4 ")
	want := []string{"KEY-1", "KEY-2", "KEY 3", "KEY-4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseIDs = %q, want %q", got, want)
	}
}

// countingStore はGetの呼び出し回数を数えるStoreのラッパー。
type countingStore struct {
	store.Store
	mu   sync.Mutex
	gets int
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.Store.Get(ctx, key)
}

func (s *countingStore) reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.gets
	s.gets = 0
	return n
}

// 発行済みキーが増えても、取り出しは選んだ1件の記録しか読まない。
func TestClaimAny_ReadsOnlyTheChosenRecord(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: store.NewMemoryStore()}
	p := New(cs)

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("KEY-%02d", i)
	}
	if _, err := p.Add(ctx, ids, addedAt); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	for i := 0; i < 49; i++ {
		if _, err := p.ClaimAny(ctx, fmt.Sprintf("user-%d", i), addedAt); err != nil {
			t.Fatalf("ClaimAny #%d failed: %v", i, err)
		}
	}

	cs.reset()
	cred, err := p.ClaimAny(ctx, "last", addedAt)
	if err != nil {
		t.Fatalf("ClaimAny failed: %v", err)
	}
	if cred.ID != "KEY-49" {
		t.Errorf("ClaimAny = %s, want KEY-49", cred.ID)
	}
	if got := cs.reset(); got != 1 {
		t.Errorf("Get calls during ClaimAny = %d, want 1", got)
	}

	n, err := p.Count(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0", n, err)
	}
	if got := cs.reset(); got != 0 {
		t.Errorf("Get calls during Count = %d, want 0", got)
	}
}

func TestClaimAny_PicksInIDOrder(t *testing.T) {
	ctx := context.Background()
	p := seededPool(t, "KEY-C", "KEY-A", "KEY-B")

	var got []string
	for i := 0; i < 3; i++ {
		cred, err := p.ClaimAny(ctx, "111", addedAt)
		if err != nil {
			t.Fatalf("ClaimAny failed: %v", err)
		}
		got = append(got, cred.ID)
	}
	want := []string{"KEY-A", "KEY-B", "KEY-C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("claim order = %v, want %v", got, want)
	}
}

// 記録は発行済みなのに索引だけが残っている場合は、その索引を捨てて次のキーに進む。
func TestClaimAny_SkipsStaleIndexEntry(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	p := New(backing)
	if _, err := p.Add(ctx, []string{"KEY-A", "KEY-B"}, addedAt); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := p.ClaimAny(ctx, "111", addedAt); err != nil {
		t.Fatalf("ClaimAny failed: %v", err)
	}
	_ = backing.Set(ctx, store.AvailableKey("KEY-A"), []byte("{}"))

	cred, err := p.ClaimAny(ctx, "222", addedAt)
	if err != nil {
		t.Fatalf("ClaimAny failed: %v", err)
	}
	if cred.ID != "KEY-B" {
		t.Errorf("ClaimAny = %s, want KEY-B", cred.ID)
	}
	if ok, _ := backing.Exists(ctx, store.AvailableKey("KEY-A")); ok {
		t.Error("stale index entry should be removed")
	}
}
