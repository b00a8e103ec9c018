package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/adperf-engine/internal/domain"
)

// Table names one of the three period tables.
type Table string

const (
	TableCurrent   Table = "current_period_cache"
	TableSummaries Table = "period_summaries"
	TableDaily     Table = "daily_metrics"
)

// Tables lists every table in schema order.
var Tables = []Table{TableCurrent, TableSummaries, TableDaily}

func (t Table) check() error {
	switch t {
	case TableCurrent, TableSummaries, TableDaily:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, string(t))
}

// Key identifies at most one row in a table.
type Key struct {
	AccountID   string             `json:"account_id"`
	Platform    domain.Platform    `json:"platform"`
	Granularity domain.Granularity `json:"granularity"`
	PeriodID    string             `json:"period_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.AccountID, k.Platform, k.Granularity, k.PeriodID)
}

// Record is one stored row. Payload is the JSON-encoded domain.Snapshot.
// FoldedAt is set once a daily row has been rolled into summaries.
type Record struct {
	Key
	PeriodStart time.Time
	PeriodEnd   time.Time
	Payload     []byte
	UpdatedAt   time.Time
	FoldedAt    *time.Time
}

// Predicate selects rows. Zero-valued fields do not constrain.
type Predicate struct {
	AccountID     string
	Platform      domain.Platform
	Granularity   domain.Granularity
	PeriodID      string
	PeriodIDNot   string
	EndBefore     time.Time
	StartBefore   time.Time
	UpdatedBefore time.Time
	Folded        *bool
	Limit         int
}

// IsZero reports whether p constrains nothing (Limit aside).
func (p Predicate) IsZero() bool {
	q := p
	q.Limit = 0
	return q == Predicate{}
}

// Match evaluates the predicate in memory.
func (p Predicate) Match(r Record) bool {
	if p.AccountID != "" && r.AccountID != p.AccountID {
		return false
	}
	if p.Platform != "" && r.Platform != p.Platform {
		return false
	}
	if p.Granularity != "" && r.Granularity != p.Granularity {
		return false
	}
	if p.PeriodID != "" && r.PeriodID != p.PeriodID {
		return false
	}
	if p.PeriodIDNot != "" && r.PeriodID == p.PeriodIDNot {
		return false
	}
	if !p.EndBefore.IsZero() && !r.PeriodEnd.Before(p.EndBefore) {
		return false
	}
	if !p.StartBefore.IsZero() && !r.PeriodStart.Before(p.StartBefore) {
		return false
	}
	if !p.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(p.UpdatedBefore) {
		return false
	}
	if p.Folded != nil && (r.FoldedAt != nil) != *p.Folded {
		return false
	}
	return true
}

// Span summarises what a table holds.
type Span struct {
	Count    int64      `json:"count"`
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
}

// PeriodStore is the persistence contract shared by the cache, collector,
// transition handler and lifecycle manager.
type PeriodStore interface {
	Upsert(ctx context.Context, table Table, rec Record) error
	Get(ctx context.Context, table Table, key Key) (Record, error)
	DeleteWhere(ctx context.Context, table Table, pred Predicate) (int64, error)
	Count(ctx context.Context, table Table, pred Predicate) (int64, error)
	// List returns matching rows ordered by period start, oldest first.
	List(ctx context.Context, table Table, pred Predicate) ([]Record, error)
	// Latest returns the matching row with the newest period start.
	Latest(ctx context.Context, table Table, pred Predicate) (Record, error)
	MarkFolded(ctx context.Context, table Table, pred Predicate, at time.Time) (int64, error)
	Span(ctx context.Context, table Table, pred Predicate) (Span, error)
}

// Bool returns a pointer for Predicate.Folded.
func Bool(b bool) *bool { return &b }
