package store

import (
	"encoding/json"
	"fmt"

	"github.com/ignite/adperf-engine/internal/domain"
)

// KeyOf returns the storage key of a snapshot.
func KeyOf(s domain.Snapshot) Key {
	return Key{
		AccountID:   s.AccountID,
		Platform:    s.Platform,
		Granularity: s.Granularity,
		PeriodID:    s.PeriodID,
	}
}

// EncodeSnapshot turns a snapshot into a row. UpdatedAt mirrors LastUpdated.
func EncodeSnapshot(s domain.Snapshot) (Record, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return Record{}, fmt.Errorf("encode snapshot %s: %w", KeyOf(s), err)
	}
	return Record{
		Key:         KeyOf(s),
		PeriodStart: s.PeriodStart.UTC(),
		PeriodEnd:   s.PeriodEnd.UTC(),
		Payload:     payload,
		UpdatedAt:   s.LastUpdated.UTC(),
	}, nil
}

// DecodeSnapshot restores a snapshot from a row. Key and timestamps on the
// row win over whatever the payload carries.
func DecodeSnapshot(r Record) (domain.Snapshot, error) {
	var s domain.Snapshot
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &s); err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", r.Key, err)
		}
	}
	s.AccountID = r.AccountID
	s.Platform = r.Platform
	s.Granularity = r.Granularity
	s.PeriodID = r.PeriodID
	s.PeriodStart = r.PeriodStart
	s.PeriodEnd = r.PeriodEnd
	s.LastUpdated = r.UpdatedAt
	return s, nil
}
