package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "minekeeper/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if err := runMigrations(ctx, db, "sqlite3", "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) LoadAll(ctx context.Context) ([]Loaded, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, world, pos1, pos2, reset_interval, last_reset, spawn_point, composition
		 FROM mines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Loaded
	for rows.Next() {
		var (
			r    Record
			comp string
		)
		if err := rows.Scan(&r.Name, &r.Region.World, &r.Region.Pos1, &r.Region.Pos2,
			&r.ResetInterval, &r.LastReset, &r.SpawnPoint, &comp); err != nil {
			return out, err
		}
		if err := json.Unmarshal([]byte(comp), &r.Composition); err != nil {
			out = append(out, malformed(r.Name, fmt.Errorf("composition: %w", err)))
			continue
		}
		out = append(out, Loaded{Source: r.Name, Record: r})
	}
	return out, rows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, r Record) error {
	if err := ValidName(r.Name); err != nil {
		return err
	}
	comp, err := json.Marshal(r.Composition)
	if err != nil {
		return fmt.Errorf("encode composition of %s: %w", r.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mines(name, world, pos1, pos2, reset_interval, last_reset, spawn_point, composition, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   world=excluded.world, pos1=excluded.pos1, pos2=excluded.pos2,
		   reset_interval=excluded.reset_interval, last_reset=excluded.last_reset,
		   spawn_point=excluded.spawn_point, composition=excluded.composition,
		   updated_at=excluded.updated_at`,
		r.Name, r.Region.World, r.Region.Pos1, r.Region.Pos2,
		r.ResetInterval, r.LastReset, r.SpawnPoint, string(comp), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mines WHERE name = ?`, name)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
