package domain

import (
	"fmt"
	"strings"
)

// Platform identifies an advertising platform we pull metrics from.
type Platform string

const (
	PlatformMeta   Platform = "meta"
	PlatformGoogle Platform = "google"
)

// AllPlatforms lists every supported platform in a stable order.
var AllPlatforms = []Platform{PlatformMeta, PlatformGoogle}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformMeta, PlatformGoogle:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// Granularity is the length of a reporting period.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity validates a granularity name. "weekly"/"monthly" are
// accepted as aliases.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily":
		return Day, nil
	case "week", "weekly":
		return Week, nil
	case "month", "monthly":
		return Month, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
}

// SummaryType is the label historical summaries are stored under.
func (g Granularity) SummaryType() string {
	switch g {
	case Day:
		return "daily"
	case Week:
		return "weekly"
	case Month:
		return "monthly"
	}
	return string(g)
}

// DefaultWindow is the backfill depth used when a request omits one:
// one year and a week of weekly summaries, a year of monthly ones.
func (g Granularity) DefaultWindow() int {
	switch g {
	case Week:
		return 53
	case Month:
		return 12
	case Day:
		return 90
	}
	return 0
}
