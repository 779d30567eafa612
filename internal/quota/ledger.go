package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrReservationClosed = errors.New("quota: reservation already committed or released")

const (
	DefaultWindow       = 24 * time.Hour
	DefaultDayRetention = 30 * 24 * time.Hour
)

// Config holds the ledger ceilings. A non-positive token limit disables that
// ceiling.
type Config struct {
	MaxRequestTokens int64
	HourlyTokens     int64
	DailyTokens      int64
	Pricing          Pricing
	Window           time.Duration
	DayRetention     time.Duration
	DailyBudgetUSD   float64
	// Strict makes Reserve hold the estimate until Commit or Release so that
	// concurrent requests cannot jointly overshoot a ceiling.
	Strict bool
	Clock  func() time.Time
}

// Ledger is the process-wide usage record. All state is guarded by mu,
// including store writes, so snapshots reach the store in order.
type Ledger struct {
	cfg   Config
	store Store

	mu      sync.Mutex
	hours   map[string]Bucket
	days    map[string]Bucket
	pending int64
}

func NewLedger(ctx context.Context, cfg Config, store Store) (*Ledger, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.DayRetention <= 0 {
		cfg.DayRetention = DefaultDayRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if store == nil {
		store = NewMemoryStore()
	}

	l := &Ledger{
		cfg:   cfg,
		store: store,
		hours: map[string]Bucket{},
		days:  map[string]Bucket{},
	}

	snapshot, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		return nil, fmt.Errorf("load usage snapshot: %w", err)
	default:
		if snapshot.Version != 0 && snapshot.Version != SnapshotVersion {
			return nil, fmt.Errorf("unsupported usage snapshot version %d", snapshot.Version)
		}
		for k, v := range snapshot.Hours {
			l.hours[k] = v
		}
		for k, v := range snapshot.Days {
			l.days[k] = v
		}
	}
	l.pruneLocked(l.now())
	return l, nil
}

func (l *Ledger) Config() Config {
	return l.cfg
}

// Check reports whether a request estimated at the given token count fits
// the per-request, hourly and daily ceilings, in that order.
func (l *Ledger) Check(estimated int64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(l.now(), estimated)
}

// Record adds actual usage to the current hour and day buckets and persists
// the full snapshot. On a store error the usage stays counted in memory.
func (l *Ledger) Record(ctx context.Context, prompt, completion int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(ctx, prompt, completion)
}

// Reservation holds an estimate against the ledger between check and record.
type Reservation struct {
	ledger    *Ledger
	Estimated int64
	held      int64
	closed    bool
}

// Reserve checks the estimate and, in strict mode, holds it as pending
// usage. It returns an *ExceededError when a ceiling would be crossed.
func (l *Ledger) Reserve(ctx context.Context, estimated int64) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	decision := l.checkLocked(l.now(), estimated)
	if !decision.Allowed {
		return nil, &ExceededError{Decision: decision}
	}
	r := &Reservation{ledger: l, Estimated: estimated}
	if l.cfg.Strict {
		r.held = estimated
		l.pending += estimated
	}
	return r, nil
}

// Commit releases the held estimate and records the actual usage.
func (r *Reservation) Commit(ctx context.Context, prompt, completion int64) error {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.closed {
		return ErrReservationClosed
	}
	r.closed = true
	l.pending -= r.held
	return l.recordLocked(ctx, prompt, completion)
}

// Release drops the held estimate without recording usage. It is a no-op
// after Commit.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	l.pending -= r.held
}

type WindowUsage struct {
	Key              string  `json:"key"`
	Used             int64   `json:"used"`
	Limit            int64   `json:"limit"`
	Remaining        int64   `json:"remaining"`
	Percentage       float64 `json:"percentage"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Requests         int64   `json:"requests"`
	CostUSD          float64 `json:"cost_usd"`
}

type Usage struct {
	Hour             WindowUsage  `json:"hour"`
	Day              WindowUsage  `json:"day"`
	Pending          int64        `json:"pending"`
	MaxRequestTokens int64        `json:"max_request_tokens"`
	Pricing          Pricing      `json:"pricing"`
	Budget           BudgetReport `json:"budget"`
}

func (l *Ledger) Summary() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hourKey, dayKey := bucketKeys(now)
	day := windowUsage(dayKey, l.days[dayKey], l.cfg.DailyTokens)
	return Usage{
		Hour:             windowUsage(hourKey, l.hours[hourKey], l.cfg.HourlyTokens),
		Day:              day,
		Pending:          l.pending,
		MaxRequestTokens: l.cfg.MaxRequestTokens,
		Pricing:          l.cfg.Pricing,
		Budget:           BudgetStatus(day.CostUSD, l.cfg.DailyBudgetUSD),
	}
}

// Snapshot returns a copy of the retained buckets.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(l.now())
}

func windowUsage(key string, b Bucket, limit int64) WindowUsage {
	w := WindowUsage{
		Key:              key,
		Used:             b.Tokens(),
		Limit:            limit,
		PromptTokens:     b.PromptTokens,
		CompletionTokens: b.CompletionTokens,
		Requests:         b.Requests,
		CostUSD:          b.Cost(),
	}
	if limit > 0 {
		w.Remaining = max(limit-w.Used, 0)
		w.Percentage = float64(w.Used) / float64(limit) * 100
	}
	return w
}

func (l *Ledger) checkLocked(now time.Time, estimated int64) Decision {
	if l.cfg.MaxRequestTokens > 0 && estimated > l.cfg.MaxRequestTokens {
		return Decision{
			Scope:     ScopeRequest,
			Reason:    fmt.Sprintf("estimated %d tokens exceeds the per-request limit of %d", estimated, l.cfg.MaxRequestTokens),
			Limit:     l.cfg.MaxRequestTokens,
			Requested: estimated,
		}
	}

	hourKey, dayKey := bucketKeys(now)
	windows := []struct {
		scope string
		label string
		used  int64
		limit int64
	}{
		{scope: ScopeHour, label: "hourly", used: l.hours[hourKey].Tokens(), limit: l.cfg.HourlyTokens},
		{scope: ScopeDay, label: "daily", used: l.days[dayKey].Tokens(), limit: l.cfg.DailyTokens},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		used := w.used + l.pending
		if used+estimated > w.limit {
			return Decision{
				Scope:     w.scope,
				Reason:    fmt.Sprintf("%s token limit reached: %d used, %d requested, limit %d", w.label, used, estimated, w.limit),
				Limit:     w.limit,
				Used:      used,
				Requested: estimated,
			}
		}
	}
	return Decision{Allowed: true, Requested: estimated}
}

func (l *Ledger) recordLocked(ctx context.Context, prompt, completion int64) error {
	if prompt < 0 || completion < 0 {
		return fmt.Errorf("token counts must be non-negative")
	}
	now := l.now()
	promptCost, completionCost := l.cfg.Pricing.Cost(prompt, completion)
	usage := Bucket{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Requests:         1,
		PromptCost:       promptCost,
		CompletionCost:   completionCost,
	}
	hourKey, dayKey := bucketKeys(now)
	l.hours[hourKey] = l.hours[hourKey].add(usage)
	l.days[dayKey] = l.days[dayKey].add(usage)
	l.pruneLocked(now)

	if err := l.store.Save(ctx, l.snapshotLocked(now)); err != nil {
		return fmt.Errorf("persist usage snapshot: %w", err)
	}
	return nil
}

func (l *Ledger) pruneLocked(now time.Time) {
	hourCutoff := now.Add(-l.cfg.Window)
	for key := range l.hours {
		start, err := time.ParseInLocation(HourKeyLayout, key, time.UTC)
		if err != nil || !start.Add(time.Hour).After(hourCutoff) {
			delete(l.hours, key)
		}
	}
	dayCutoff := now.Add(-l.cfg.DayRetention)
	for key := range l.days {
		start, err := time.ParseInLocation(DayKeyLayout, key, time.UTC)
		if err != nil || !start.AddDate(0, 0, 1).After(dayCutoff) {
			delete(l.days, key)
		}
	}
}

func (l *Ledger) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Version:   SnapshotVersion,
		UpdatedAt: now,
		Hours:     l.hours,
		Days:      l.days,
	}.clone()
}

func (l *Ledger) now() time.Time {
	return l.cfg.Clock().UTC()
}

func bucketKeys(now time.Time) (string, string) {
	now = now.UTC()
	return now.Format(HourKeyLayout), now.Format(DayKeyLayout)
}

func sortedKeys(m map[string]Bucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
