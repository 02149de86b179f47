// Package storage persists what must survive a restart: tenant credentials,
// the per-tenant forwarding status row and an append-only audit trail.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (default)
//   - "postgres": pgx connection pool
//   - "file": dependency-free JSON snapshot + journal
//   - "memory": process-local maps (tests, dry runs)
package storage
