package config

import (
	"reflect"
	"sort"
	"strings"

	logx "minekeeper/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the postgres DSN),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)
	var restart []string

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file.enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (persistence); the DSN may carry credentials.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oS.Driver), strings.TrimSpace(nS.Driver)) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		oS.DSN != nS.DSN ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxConns != nS.MaxConns {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Host lanes
	if oldCfg.Host != newCfg.Host {
		changed = append(changed, "host")
		restart = append(restart, "host")
		attrs = append(attrs,
			logx.Int("host.lanes", newCfg.Host.Lanes),
			logx.Int("host.queue_size", newCfg.Host.QueueSize),
			logx.Int("host.region_size", newCfg.Host.RegionSize),
		)
	}

	// Schedule
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.retry_delay", strings.TrimSpace(newCfg.Schedule.RetryDelay)),
			logx.String("schedule.autosave", strings.TrimSpace(newCfg.Schedule.Autosave)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
		)
	}

	// Mines
	if !reflect.DeepEqual(oldCfg.Mines, newCfg.Mines) {
		changed = append(changed, "mines")
		attrs = append(attrs,
			logx.Int("mines.default_interval", newCfg.Mines.DefaultInterval),
			logx.Int("mines.min_interval", newCfg.Mines.MinInterval),
			logx.Int("mines.allowed_kinds", len(newCfg.Mines.AllowedKinds)),
			logx.Float64("mines.reset_all_rate", newCfg.Mines.ResetAllRate),
		)
	}

	// Worlds (summarize only)
	if !sameSet(oldCfg.Worlds, newCfg.Worlds) {
		changed = append(changed, "worlds")
		attrs = append(attrs, logx.Strings("worlds", newCfg.Worlds))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		restart = append(restart, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[strings.TrimSpace(s)]++
	}
	for _, s := range b {
		k := strings.TrimSpace(s)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
