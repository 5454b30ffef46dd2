// Package storage persists one record per mine.
//
// Backends:
//   - "file": one YAML document per mine under a directory
//   - "sqlite": embedded SQLite database (modernc, no cgo)
//   - "postgres": PostgreSQL through a pgx pool
//
// The SQL backends share goose migrations embedded in the binary.
package storage
