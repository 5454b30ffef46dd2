package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "minekeeper/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = runMigrations(ctx, db, "postgres", "migrations/postgres")
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("postgres store opened", logx.Int("max_conns", int(poolCfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) LoadAll(ctx context.Context) ([]Loaded, error) {
	rows, err := s.pool.Query(ctx,
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
			comp []byte
		)
		if err := rows.Scan(&r.Name, &r.Region.World, &r.Region.Pos1, &r.Region.Pos2,
			&r.ResetInterval, &r.LastReset, &r.SpawnPoint, &comp); err != nil {
			return out, err
		}
		if err := json.Unmarshal(comp, &r.Composition); err != nil {
			out = append(out, malformed(r.Name, fmt.Errorf("composition: %w", err)))
			continue
		}
		out = append(out, Loaded{Source: r.Name, Record: r})
	}
	return out, rows.Err()
}

func (s *postgresStore) Save(ctx context.Context, r Record) error {
	if err := ValidName(r.Name); err != nil {
		return err
	}
	comp, err := json.Marshal(r.Composition)
	if err != nil {
		return fmt.Errorf("encode composition of %s: %w", r.Name, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mines (name, world, pos1, pos2, reset_interval, last_reset, spawn_point, composition, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, now())
		 ON CONFLICT (name) DO UPDATE SET
		   world = EXCLUDED.world, pos1 = EXCLUDED.pos1, pos2 = EXCLUDED.pos2,
		   reset_interval = EXCLUDED.reset_interval, last_reset = EXCLUDED.last_reset,
		   spawn_point = EXCLUDED.spawn_point, composition = EXCLUDED.composition,
		   updated_at = now()`,
		r.Name, r.Region.World, r.Region.Pos1, r.Region.Pos2,
		r.ResetInterval, r.LastReset, r.SpawnPoint, string(comp),
	)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mines WHERE name = $1`, name)
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
