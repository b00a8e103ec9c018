// Package domain defines the core types shared by the cache, collector,
// transition and lifecycle services.
//
// Types in this package are pure value objects. They carry JSON tags for
// the stored payload and API responses and may have pure methods such as
// aggregation math, but no database or HTTP dependencies.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - Constants and enums belong here
package domain
