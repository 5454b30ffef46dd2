package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrConfiguration marks a stored record that cannot be read.
	ErrConfiguration = errors.New("malformed mine record")
)

// Config configures storage.
//
// Driver values: "file", "sqlite", "postgres". Empty or "none" disables
// storage.
type Config struct {
	Driver      string
	Path        string        // file: directory; sqlite: database file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres pool size; 0 means default
}

// Record is the persisted form of one mine.
type Record struct {
	Name          string             `yaml:"name" json:"name"`
	Region        Region             `yaml:"region" json:"region"`
	ResetInterval int                `yaml:"reset-interval,omitempty" json:"reset_interval,omitempty"`
	LastReset     int64              `yaml:"last-reset" json:"last_reset"`
	SpawnPoint    string             `yaml:"spawn-point,omitempty" json:"spawn_point,omitempty"`
	Composition   map[string]float64 `yaml:"composition" json:"composition"`
}

// Region holds the space and the two corners as "x,y,z".
type Region struct {
	World string `yaml:"world" json:"world"`
	Pos1  string `yaml:"pos1" json:"pos1"`
	Pos2  string `yaml:"pos2" json:"pos2"`
}

// Loaded is one stored record, or the reason it could not be read.
type Loaded struct {
	Source string
	Record Record
	Err    error
}

// Store is the persistence API used by the mines service.
type Store interface {
	// LoadAll returns every stored record. A record that cannot be decoded
	// is returned with Err wrapping ErrConfiguration; only failures of the
	// store itself are returned as the error.
	LoadAll(ctx context.Context) ([]Loaded, error)
	Save(ctx context.Context, r Record) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// ValidName reports whether name is safe as a record key and file name.
func ValidName(name string) error {
	if name == "" {
		return errors.New("empty record name")
	}
	if len(name) > 64 {
		return fmt.Errorf("record name %q longer than 64", name)
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("record name %q has forbidden characters", name)
	}
	return nil
}

func malformed(source string, err error) Loaded {
	return Loaded{Source: source, Err: fmt.Errorf("%w: %s: %v", ErrConfiguration, source, err)}
}
