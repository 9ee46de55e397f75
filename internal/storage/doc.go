// Package storage persists the watchlist and the notification history.
//
// Two drivers implement Store:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "file":   a JSON watchlist snapshot plus an append-only JSONL history
//
// The poller only ever issues narrow writes (UpdatePollState, Record) so it
// never clobbers user-owned fields edited concurrently through the CLI.
package storage
