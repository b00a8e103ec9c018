package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process PeriodStore. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[Table]map[Key]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{tables: make(map[Table]map[Key]Record, len(Tables))}
	for _, t := range Tables {
		m.tables[t] = make(map[Key]Record)
	}
	return m
}

func (m *MemoryStore) Upsert(_ context.Context, t Table, rec Record) error {
	if err := t.check(); err != nil {
		return err
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.FoldedAt = nil
	m.mu.Lock()
	m.tables[t][rec.Key] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, t Table, key Key) (Record, error) {
	if err := t.check(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	rec, ok := m.tables[t][key]
	m.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%s %s: %w", t, key, ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryStore) DeleteWhere(_ context.Context, t Table, pred Predicate) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if pred.IsZero() {
		return 0, ErrUnboundedDelete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.tables[t] {
		if pred.Match(rec) {
			delete(m.tables[t], k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Count(_ context.Context, t Table, pred Predicate) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, rec := range m.tables[t] {
		if pred.Match(rec) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, t Table, pred Predicate) ([]Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return m.sorted(t, pred, false), nil
}

func (m *MemoryStore) Latest(_ context.Context, t Table, pred Predicate) (Record, error) {
	if err := t.check(); err != nil {
		return Record{}, err
	}
	pred.Limit = 1
	recs := m.sorted(t, pred, true)
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%s latest: %w", t, ErrNotFound)
	}
	return recs[0], nil
}

func (m *MemoryStore) sorted(t Table, pred Predicate, desc bool) []Record {
	m.mu.RLock()
	var out []Record
	for _, rec := range m.tables[t] {
		if pred.Match(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.PeriodStart.Equal(b.PeriodStart) {
			if desc {
				return a.PeriodStart.After(b.PeriodStart)
			}
			return a.PeriodStart.Before(b.PeriodStart)
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.Platform < b.Platform
	})
	if pred.Limit > 0 && len(out) > pred.Limit {
		out = out[:pred.Limit]
	}
	return out
}

func (m *MemoryStore) MarkFolded(_ context.Context, t Table, pred Predicate, at time.Time) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.tables[t] {
		if pred.Match(rec) {
			ts := at
			rec.FoldedAt = &ts
			m.tables[t][k] = rec
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Span(_ context.Context, t Table, pred Predicate) (Span, error) {
	if err := t.check(); err != nil {
		return Span{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var span Span
	for _, rec := range m.tables[t] {
		if !pred.Match(rec) {
			continue
		}
		span.Count++
		start := rec.PeriodStart
		if span.Earliest == nil || start.Before(*span.Earliest) {
			e := start
			span.Earliest = &e
		}
		if span.Latest == nil || start.After(*span.Latest) {
			l := start
			span.Latest = &l
		}
	}
	return span, nil
}
