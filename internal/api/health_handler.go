package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/adperf-engine/internal/pkg/httputil"
	"github.com/ignite/adperf-engine/internal/store"
)

const (
	statusUp       = "up"
	statusDown     = "down"
	statusDegraded = "degraded"
)

// ComponentCheck is one component's verdict.
type ComponentCheck struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Message  string `json:"message,omitempty"`
}

// HealthDeps lists what the engine can check. Nil dependencies are not
// configured and are left out of the report.
type HealthDeps struct {
	DB      *sql.DB
	Redis   *redis.Client
	S3      *s3.Client
	Bucket  string
	Store   store.PeriodStore
	Fresh   time.Duration
	Version string
}

type component struct {
	name     string
	critical bool
	timeout  time.Duration
	slow     time.Duration
	run      func(ctx context.Context) (msg string, degraded bool, err error)
}

// HealthChecker runs the configured component checks concurrently.
type HealthChecker struct {
	components []component
	version    string
	started    time.Time
	now        func() time.Time
}

// NewHealthChecker builds checks for the database, the Redis hot tier, the
// archive bucket, the period store and current-cache staleness.
func NewHealthChecker(deps HealthDeps) *HealthChecker {
	hc := &HealthChecker{version: deps.Version, started: time.Now(), now: time.Now}
	if hc.version == "" {
		hc.version = "dev"
	}
	if deps.Fresh <= 0 {
		deps.Fresh = 3 * time.Hour
	}

	if db := deps.DB; db != nil {
		hc.components = append(hc.components, component{name: "database", critical: true, timeout: 3 * time.Second, slow: time.Second,
			run: func(ctx context.Context) (string, bool, error) {
				return "connected", false, db.PingContext(ctx)
			}})
	}
	if rdb := deps.Redis; rdb != nil {
		hc.components = append(hc.components, component{name: "hot_tier", timeout: 2 * time.Second, slow: 500 * time.Millisecond,
			run: func(ctx context.Context) (string, bool, error) {
				return "connected", false, rdb.Ping(ctx).Err()
			}})
	}
	if client, bucket := deps.S3, deps.Bucket; client != nil && bucket != "" {
		hc.components = append(hc.components, component{name: "archive", timeout: 3 * time.Second, slow: 2 * time.Second,
			run: func(ctx context.Context) (string, bool, error) {
				_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
				return "bucket " + bucket, false, err
			}})
	}
	if st := deps.Store; st != nil {
		fresh := deps.Fresh
		hc.components = append(hc.components,
			component{name: "store", critical: true, timeout: 3 * time.Second, slow: time.Second,
				run: func(ctx context.Context) (string, bool, error) {
					n, err := st.Count(ctx, store.TableSummaries, store.Predicate{})
					return fmt.Sprintf("%d period summaries", n), false, err
				}},
			component{name: "current_cache", timeout: 3 * time.Second, slow: time.Second,
				run: func(ctx context.Context) (string, bool, error) {
					return hc.cacheStaleness(ctx, st, fresh)
				}},
		)
	}
	return hc
}

// cacheStaleness degrades when every current-period row is past the fresh
// threshold, which means the proactive refresh job is not running.
func (hc *HealthChecker) cacheStaleness(ctx context.Context, st store.PeriodStore, fresh time.Duration) (string, bool, error) {
	total, err := st.Count(ctx, store.TableCurrent, store.Predicate{})
	if err != nil {
		return "", false, err
	}
	stale, err := st.Count(ctx, store.TableCurrent, store.Predicate{UpdatedBefore: hc.now().Add(-fresh)})
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("%d rows, %d older than %s", total, stale, fresh), total > 0 && stale == total, nil
}

func (hc *HealthChecker) run(ctx context.Context) map[string]ComponentCheck {
	out := make(map[string]ComponentCheck, len(hc.components))
	results := make(chan struct {
		name  string
		check ComponentCheck
	}, len(hc.components))
	for _, p := range hc.components {
		go func(p component) {
			results <- struct {
				name  string
				check ComponentCheck
			}{p.name, p.check(ctx)}
		}(p)
	}
	for range hc.components {
		r := <-results
		out[r.name] = r.check
	}
	return out
}

func (p component) check(ctx context.Context) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	msg, degraded, err := p.run(ctx)
	latency := time.Since(start).Round(time.Microsecond)

	c := ComponentCheck{Status: statusUp, Critical: p.critical, Latency: latency.String(), Message: msg}
	switch {
	case err != nil:
		c.Status, c.Message = statusDown, err.Error()
	case degraded:
		c.Status = statusDegraded
	case latency > p.slow:
		c.Status, c.Message = statusDegraded, fmt.Sprintf("slow response (%s)", latency)
	}
	return c
}

// overallStatus is "unhealthy" when a critical component is down, "degraded"
// when any other component is not up, else "healthy".
func overallStatus(checks map[string]ComponentCheck) string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	verdict := "healthy"
	for _, name := range names {
		c := checks[name]
		if c.Status == statusDown && c.Critical {
			return "unhealthy"
		}
		if c.Status != statusUp {
			verdict = "degraded"
		}
	}
	return verdict
}

// HandleHealth always answers 200; the status field carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.run(r.Context())
	httputil.OK(w, map[string]interface{}{
		"status":  overallStatus(checks),
		"version": hc.version,
		"uptime":  time.Since(hc.started).Round(time.Second).String(),
		"checks":  checks,
	})
}

// HandleLiveness answers 200 while the process is up.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "alive"})
}

// HandleReadiness answers 503 while a critical component is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.run(r.Context())
	overall := overallStatus(checks)
	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  overall != "unhealthy",
		"status": overall,
		"checks": checks,
	})
}
