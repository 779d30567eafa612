package quota

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

var baseTime = time.Date(2026, time.March, 1, 10, 30, 0, 0, time.UTC)

func newTestLedger(t *testing.T, cfg Config, store Store, now *time.Time) *Ledger {
	t.Helper()
	cfg.Clock = func() time.Time { return *now }
	l, err := NewLedger(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return l
}

func TestConcurrentRecordsAreAllCounted(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{HourlyTokens: 1000, DailyTokens: 5000}, NewMemoryStore(), &now)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Record(context.Background(), 600, 0)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	usage := l.Summary()
	if usage.Hour.Used != 1200 {
		t.Fatalf("Hour.Used = %d, want 1200", usage.Hour.Used)
	}
	if usage.Hour.Requests != 2 {
		t.Fatalf("Hour.Requests = %d", usage.Hour.Requests)
	}
	decision := l.Check(100)
	if decision.Allowed {
		t.Fatal("expected Check(100) to be denied")
	}
	if decision.Scope != ScopeHour {
		t.Fatalf("Scope = %q, want %q", decision.Scope, ScopeHour)
	}
}

func TestCheckOrder(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{MaxRequestTokens: 500, HourlyTokens: 100, DailyTokens: 100}, nil, &now)

	if got := l.Check(600); got.Allowed || got.Scope != ScopeRequest {
		t.Fatalf("Check(600) = %+v, want request denial", got)
	}
	if got := l.Check(200); got.Allowed || got.Scope != ScopeHour {
		t.Fatalf("Check(200) = %+v, want hour denial", got)
	}
	if got := l.Check(100); !got.Allowed {
		t.Fatalf("Check(100) = %+v, want allowed", got)
	}
}

func TestDailyCeilingSpansHours(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{HourlyTokens: 1000, DailyTokens: 1000}, nil, &now)

	if err := l.Record(context.Background(), 500, 400); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	now = now.Add(time.Hour)
	got := l.Check(200)
	if got.Allowed || got.Scope != ScopeDay {
		t.Fatalf("Check(200) = %+v, want day denial", got)
	}
	if got.Used != 900 || got.Limit != 1000 {
		t.Fatalf("Used/Limit = %d/%d", got.Used, got.Limit)
	}
}

func TestLedgerReloadsAfterRestart(t *testing.T) {
	now := baseTime
	store := NewMemoryStore()
	first := newTestLedger(t, Config{DailyTokens: 1000}, store, &now)
	if err := first.Record(context.Background(), 100, 50); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	second := newTestLedger(t, Config{DailyTokens: 1000}, store, &now)
	usage := second.Summary()
	if usage.Day.Used != 150 || usage.Day.Requests != 1 {
		t.Fatalf("Day usage after reload = %+v", usage.Day)
	}
	if usage.Day.Remaining != 850 {
		t.Fatalf("Day.Remaining = %d", usage.Day.Remaining)
	}
}

func TestRecordPrunesExpiredBuckets(t *testing.T) {
	now := baseTime
	store := NewMemoryStore()
	l := newTestLedger(t, Config{DayRetention: 48 * time.Hour}, store, &now)

	if err := l.Record(context.Background(), 10, 0); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	now = now.Add(25 * time.Hour)
	if err := l.Record(context.Background(), 20, 0); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	snapshot, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snapshot.Hours) != 1 {
		t.Fatalf("Hours = %v, want only the current hour", snapshot.Hours)
	}
	if _, ok := snapshot.Hours["2026-03-02T11"]; !ok {
		t.Fatalf("Hours = %v", snapshot.Hours)
	}
	if len(snapshot.Days) != 2 {
		t.Fatalf("Days = %v, want both days", snapshot.Days)
	}

	now = now.Add(72 * time.Hour)
	if err := l.Record(context.Background(), 1, 0); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	snapshot, _ = store.Load(context.Background())
	if len(snapshot.Days) != 1 {
		t.Fatalf("Days = %v, want retention to drop old days", snapshot.Days)
	}
	if snapshot.Version != SnapshotVersion {
		t.Fatalf("Version = %d", snapshot.Version)
	}
}

func TestStrictReservationsHoldEstimate(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{HourlyTokens: 1000, Strict: true}, nil, &now)
	ctx := context.Background()

	first, err := l.Reserve(ctx, 600)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	_, err = l.Reserve(ctx, 600)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("second Reserve() error = %v, want ExceededError", err)
	}
	if exceeded.Decision.Scope != ScopeHour {
		t.Fatalf("Scope = %q", exceeded.Decision.Scope)
	}

	first.Release()
	second, err := l.Reserve(ctx, 600)
	if err != nil {
		t.Fatalf("Reserve() after release error = %v", err)
	}
	if err := second.Commit(ctx, 300, 100); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := second.Commit(ctx, 300, 100); !errors.Is(err, ErrReservationClosed) {
		t.Fatalf("second Commit() error = %v", err)
	}
	second.Release()

	usage := l.Summary()
	if usage.Pending != 0 {
		t.Fatalf("Pending = %d", usage.Pending)
	}
	if usage.Hour.Used != 400 {
		t.Fatalf("Hour.Used = %d", usage.Hour.Used)
	}
}

func TestNonStrictReservationsDoNotHold(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{HourlyTokens: 1000}, nil, &now)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := l.Reserve(ctx, 600); err != nil {
			t.Fatalf("Reserve() #%d error = %v", i, err)
		}
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context) (Snapshot, error) { return Snapshot{}, ErrNoSnapshot }
func (failingStore) Save(context.Context, Snapshot) error { return errors.New("disk full") }

func TestRecordKeepsUsageWhenPersistFails(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{}, failingStore{}, &now)
	err := l.Record(context.Background(), 10, 5)
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if got := l.Summary().Day.Used; got != 15 {
		t.Fatalf("Day.Used = %d, want 15", got)
	}
}

type brokenStore struct{ failingStore }

func (brokenStore) Load(context.Context) (Snapshot, error) {
	return Snapshot{}, errors.New("permission denied")
}

func TestNewLedgerPropagatesLoadError(t *testing.T) {
	if _, err := NewLedger(context.Background(), Config{}, brokenStore{}); err == nil {
		t.Fatal("expected load error")
	}
}

func TestRecordCostUsesPricing(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{Pricing: PricingForModel("gpt-4o"), DailyBudgetUSD: 0.04}, nil, &now)
	if err := l.Record(context.Background(), 2000, 1000); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	snapshot := l.Snapshot()
	bucket := snapshot.Days["2026-03-01"]
	if math.Abs(bucket.PromptCost-0.01) > 1e-9 || math.Abs(bucket.CompletionCost-0.015) > 1e-9 {
		t.Fatalf("costs = %v/%v", bucket.PromptCost, bucket.CompletionCost)
	}
	usage := l.Summary()
	if usage.Budget.Status != BudgetCaution {
		t.Fatalf("Budget.Status = %q (%.1f%%)", usage.Budget.Status, usage.Budget.Percentage)
	}
}

func TestExportParquet(t *testing.T) {
	now := baseTime
	l := newTestLedger(t, Config{}, nil, &now)
	if err := l.Record(context.Background(), 100, 20); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var buf bytes.Buffer
	count, err := l.ExportParquet(&buf)
	if err != nil {
		t.Fatalf("ExportParquet() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d", count)
	}

	reader := parquet.NewGenericReader[usageRow](bytes.NewReader(buf.Bytes()))
	defer func() { _ = reader.Close() }()
	rows := make([]usageRow, 2)
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("read rows = %d", n)
	}
	if rows[0].Scope != ScopeHour || rows[0].BucketKey != "2026-03-01T10" {
		t.Fatalf("first row = %+v", rows[0])
	}
	if rows[1].Scope != ScopeDay || rows[1].PromptTokens != 100 || rows[1].CompletionTokens != 20 {
		t.Fatalf("second row = %+v", rows[1])
	}
}
