// Package source fetches campaign metrics from advertising platforms.
//
// Each platform client implements MetricsSource and reports failures as a
// *Error whose Kind is one of the sentinel errors below, so callers can
// branch with errors.Is without knowing the platform.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/adperf-engine/internal/domain"
)

var (
	// ErrAuthInvalid means the credentials were rejected. Not retried.
	ErrAuthInvalid = errors.New("upstream auth invalid")
	// ErrRateLimited means the platform throttled us after retries.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrNotFound means the account does not exist on the platform.
	ErrNotFound = errors.New("upstream account not found")
	// ErrUnavailable covers timeouts, 5xx and malformed responses.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrNoSource is returned by the registry for unconfigured platforms.
	ErrNoSource = errors.New("no metrics source for platform")
)

// Error is a classified upstream failure.
type Error struct {
	Platform domain.Platform
	Status   int
	Kind     error
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Platform, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s", e.Platform, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// IsTransient reports whether a later retry may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthInvalid
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrUnavailable
	}
}

// Target is the account being queried on one platform.
type Target struct {
	ExternalID  string
	Credentials domain.Credentials
}

// MetricsSource retrieves per-campaign, per-day metrics for [start, end).
type MetricsSource interface {
	Platform() domain.Platform
	Fetch(ctx context.Context, target Target, start, end time.Time) ([]domain.CampaignMetric, error)
}

// Registry resolves a platform to its source.
type Registry struct {
	sources map[domain.Platform]MetricsSource
}

// NewRegistry indexes the given sources by platform.
func NewRegistry(sources ...MetricsSource) *Registry {
	r := &Registry{sources: make(map[domain.Platform]MetricsSource, len(sources))}
	for _, s := range sources {
		r.sources[s.Platform()] = s
	}
	return r
}

// For returns the source for p.
func (r *Registry) For(p domain.Platform) (MetricsSource, error) {
	s, ok := r.sources[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, p)
	}
	return s, nil
}

// Platforms lists the configured platforms in a stable order.
func (r *Registry) Platforms() []domain.Platform {
	var out []domain.Platform
	for _, p := range domain.AllPlatforms {
		if _, ok := r.sources[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// inclusiveEnd converts a half-open end into the last included day, which is
// what both reporting APIs expect.
func inclusiveEnd(end time.Time) time.Time {
	return end.AddDate(0, 0, -1)
}
