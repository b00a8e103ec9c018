// Package store persists period-keyed metric snapshots.
//
// Three tables share one row shape:
//
//	current_period_cache  the live period's snapshot per account/platform
//	period_summaries      durable summaries of completed periods
//	daily_metrics         per-day rows that feed summaries and get pruned
//
// Every write is an upsert on (account_id, platform, granularity,
// period_id). Deletes and counts take a Predicate so retention jobs can be
// re-run safely. SQLStore speaks Postgres (lib/pq) and SQLite
// (modernc.org/sqlite); MemoryStore backs tests and local runs.
package store
