// Package storage is the task store adapter consumed by the verification engine.
//
// The engine only relies on the TaskStore contract:
//   - FindPendingBeforeExpiry: pending tasks whose deadline has passed
//   - BulkTransition: idempotent pending -> terminal transition
//   - CountByStatus: aggregate counts
//
// Drivers: memory, file (JSON snapshot), sqlite (modernc.org/sqlite), postgres (lib/pq).
package storage
