// Package storage persists the lifecycle journal.
//
// Drivers:
//   - "file": append-only JSON Lines, no extra dependencies
//   - "sqlite": SQLite database file (pure Go driver)
package storage
