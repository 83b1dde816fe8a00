// Package storage persists subscribers, measurement records and (optionally) roles.
//
// Drivers:
//   - "memory": process-local maps (tests, ephemeral runs)
//   - "file": JSON Lines journal + snapshot compaction
//   - "sqlite": SQLite database file (modernc.org/sqlite, cgo-free)
//   - "redis": Redis sets/hashes/sorted sets
//   - "postgres": PostgreSQL via pgxpool
//   - "datastore": Google Cloud Datastore / Firestore in Datastore mode
//
// Every store returned by Open reports backend failures wrapped in ErrUnavailable.
package storage
