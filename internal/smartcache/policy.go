package smartcache

import (
	"time"

	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
)

const (
	DefaultFreshThreshold     = 3 * time.Hour
	DefaultProactiveThreshold = 150 * time.Minute
)

// Thresholds decide when a cached row is served and when it is refreshed
// ahead of demand. Proactive is always below Fresh.
type Thresholds struct {
	Fresh     time.Duration
	Proactive time.Duration
}

// Policy is one freshness policy with optional per-platform overrides.
type Policy struct {
	Thresholds
	Overrides map[domain.Platform]Thresholds
}

// DefaultPolicy returns the 3h / 2.5h policy.
func DefaultPolicy() Policy {
	return Policy{Thresholds: Thresholds{Fresh: DefaultFreshThreshold, Proactive: DefaultProactiveThreshold}}
}

// PolicyFromConfig builds a policy from cache settings. Override fields left
// at zero inherit the global value.
func PolicyFromConfig(cfg config.CacheConfig) Policy {
	p := DefaultPolicy()
	if d := cfg.FreshThreshold(); d > 0 {
		p.Fresh = d
	}
	if d := cfg.ProactiveThreshold(); d > 0 {
		p.Proactive = d
	}
	for name, o := range cfg.PlatformOverrides {
		plat, err := domain.ParsePlatform(name)
		if err != nil {
			continue
		}
		t := p.Thresholds
		if o.FreshThresholdMinutes > 0 {
			t.Fresh = config.Every(o.FreshThresholdMinutes)
		}
		if o.ProactiveThresholdMinutes > 0 {
			t.Proactive = config.Every(o.ProactiveThresholdMinutes)
		}
		if p.Overrides == nil {
			p.Overrides = make(map[domain.Platform]Thresholds)
		}
		p.Overrides[plat] = t
	}
	return p
}

// For returns the thresholds that apply to platform.
func (p Policy) For(platform domain.Platform) Thresholds {
	if t, ok := p.Overrides[platform]; ok {
		return t
	}
	return p.Thresholds
}

// minProactive is the smallest proactive threshold across platforms, used
// to bound the refresh sweep query.
func (p Policy) minProactive() time.Duration {
	m := p.Proactive
	for _, t := range p.Overrides {
		if t.Proactive < m {
			m = t.Proactive
		}
	}
	return m
}
