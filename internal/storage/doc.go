// Package storage persists the tracked-player state between cycles.
//
// Drivers:
//   - "file": a single JSON document, replaced atomically on every save
//   - "sqlite": one row per entity plus a small meta table
//   - "none" or empty: in-memory only, lost on restart
package storage
