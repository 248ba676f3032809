// Package storage persists job run history.
//
// It supports:
//   - a dependency-free JSON Lines file backend
//   - a SQLite backend (modernc.org/sqlite, no cgo)
//
// Recorder feeds either backend from the job event bus.
package storage
