package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "file", "yaml", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("schedule.retry_delay", c.Schedule.RetryDelay); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	if c.Host.Lanes < 0 || c.Host.QueueSize < 0 || c.Host.RegionSize < 0 {
		errs = append(errs, errors.New("host: lanes, queue_size and region_size must be >= 0"))
	}
	if c.Mines.MinInterval != 0 && c.Mines.MinInterval < IntervalFloorSeconds {
		errs = append(errs, fmt.Errorf("mines.min_interval: must be >= %d", IntervalFloorSeconds))
	}
	if c.Mines.DefaultInterval != 0 && c.Mines.DefaultInterval < max(c.Mines.MinInterval, IntervalFloorSeconds) {
		errs = append(errs, errors.New("mines.default_interval: below min_interval"))
	}
	if c.Mines.ResetAllRate < 0 {
		errs = append(errs, errors.New("mines.reset_all_rate: must be >= 0"))
	}
	return errors.Join(errs...)
}
