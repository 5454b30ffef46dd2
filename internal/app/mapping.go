package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"minekeeper/internal/config"
	"minekeeper/internal/host"
	"minekeeper/internal/mine"
	"minekeeper/internal/mines"
	"minekeeper/internal/storage"
	"minekeeper/internal/task/scheduler"
	logx "minekeeper/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "none":
		return storage.Config{Driver: "none"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapHostConfig(cfg *config.Config) host.Config {
	return host.Config{
		Lanes:      cfg.Host.Lanes,
		QueueSize:  cfg.Host.QueueSize,
		RegionSize: cfg.Host.RegionSize,
	}
}

func mapMinesConfig(cfg *config.Config) (mines.Config, error) {
	retry, err := config.ParseDurationField("schedule.retry_delay", cfg.Schedule.RetryDelay)
	if err != nil {
		return mines.Config{}, err
	}
	allowed := make([]mine.Kind, 0, len(cfg.Mines.AllowedKinds))
	for _, raw := range cfg.Mines.AllowedKinds {
		k, err := mine.ParseKind(raw)
		if err != nil {
			return mines.Config{}, fmt.Errorf("mines.allowed_kinds: %w", err)
		}
		allowed = append(allowed, k)
	}
	return mines.Config{
		DefaultInterval: config.Seconds(cfg.Mines.DefaultInterval),
		MinInterval:     config.Seconds(cfg.Mines.MinInterval),
		AllowedKinds:    allowed,
		ResetAllRate:    cfg.Mines.ResetAllRate,
		ResetAllBurst:   cfg.Mines.ResetAllBurst,
		RetryDelay:      retry,
	}, nil
}

// validate checks the parts of cfg only the app knows how to map.
func validate(cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapMinesConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if spec := strings.TrimSpace(cfg.Schedule.Autosave); spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule.autosave: %w", err))
		}
	}
	return errors.Join(errs...)
}
