// Package quota bounds the token usage and cost of the upstream language
// model with per-request, hourly and daily ceilings.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNoSnapshot = errors.New("quota: no snapshot")

const (
	SnapshotVersion = 1

	HourKeyLayout = "2006-01-02T15"
	DayKeyLayout  = "2006-01-02"
)

const (
	ScopeRequest = "request"
	ScopeHour    = "hour"
	ScopeDay     = "day"
)

// Bucket accumulates usage for one hour or one day.
type Bucket struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Requests         int64   `json:"requests"`
	PromptCost       float64 `json:"prompt_cost"`
	CompletionCost   float64 `json:"completion_cost"`
}

func (b Bucket) Tokens() int64 {
	return b.PromptTokens + b.CompletionTokens
}

func (b Bucket) Cost() float64 {
	return b.PromptCost + b.CompletionCost
}

func (b Bucket) add(other Bucket) Bucket {
	return Bucket{
		PromptTokens:     b.PromptTokens + other.PromptTokens,
		CompletionTokens: b.CompletionTokens + other.CompletionTokens,
		Requests:         b.Requests + other.Requests,
		PromptCost:       b.PromptCost + other.PromptCost,
		CompletionCost:   b.CompletionCost + other.CompletionCost,
	}
}

// Snapshot is the persisted form of the ledger. Stores replace it whole.
type Snapshot struct {
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Hours     map[string]Bucket `json:"hours"`
	Days      map[string]Bucket `json:"days"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Hours:     make(map[string]Bucket, len(s.Hours)),
		Days:      make(map[string]Bucket, len(s.Days)),
	}
	for k, v := range s.Hours {
		out.Hours[k] = v
	}
	for k, v := range s.Days {
		out.Days[k] = v
	}
	return out
}

// Store persists ledger snapshots. Save must replace the previous snapshot
// atomically; Load returns ErrNoSnapshot when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Scope     string `json:"scope,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	Used      int64  `json:"used,omitempty"`
	Requested int64  `json:"requested,omitempty"`
}

// ExceededError is returned by Reserve when a ceiling would be crossed.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded (%s): %s", e.Decision.Scope, e.Decision.Reason)
}

// ExportAudit records one archived usage export.
type ExportAudit struct {
	ExportID   int64     `json:"export_id"`
	ObjectKey  string    `json:"object_key"`
	RowCount   int64     `json:"row_count"`
	ExportedBy string    `json:"exported_by"`
	ExportedAt time.Time `json:"exported_at"`
}

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	saves    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	return m.snapshot.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := snapshot.clone()
	m.snapshot = &copy
	m.saves++
	return nil
}

// Saves reports how many snapshots were written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
