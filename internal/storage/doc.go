// Package storage persists coordination state (worker run statistics, claims,
// audit trail) behind a small Store interface with file and SQLite drivers.
package storage
