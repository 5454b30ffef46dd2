package config

// Config is the whole minekeeper configuration file.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Host     HostConfig     `json:"host"`
	Schedule ScheduleConfig `json:"schedule"`
	Mines    MinesConfig    `json:"mines"`
	// Worlds lists the space ids the standalone in-memory world creates.
	Worlds  []string      `json:"worlds,omitempty"`
	Systemd SystemdConfig `json:"systemd"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the mine record store.
//
// Driver: "file" (default), "sqlite", "postgres" or "none".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// HostConfig sizes the location-affine worker lanes.
type HostConfig struct {
	Lanes      int `json:"lanes,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RegionSize int `json:"region_size,omitempty"`
}

type ScheduleConfig struct {
	// RetryDelay is the wait after a skipped reset; empty means one interval.
	RetryDelay string `json:"retry_delay,omitempty"`
	// Autosave is a cron spec, a duration, or "HH:MM". Empty disables it.
	Autosave string `json:"autosave,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type MinesConfig struct {
	// DefaultInterval (seconds) fills records without a usable interval.
	DefaultInterval int `json:"default_interval,omitempty"`
	// MinInterval (seconds) is the floor for interval edits; never below 30.
	MinInterval int `json:"min_interval,omitempty"`
	// AllowedKinds, when non-empty, restricts recipe kinds.
	AllowedKinds []string `json:"allowed_kinds,omitempty"`
	// ResetAllRate paces ResetAll, in resets per second; 0 means 4.
	ResetAllRate  float64 `json:"reset_all_rate,omitempty"`
	ResetAllBurst int     `json:"reset_all_burst,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

const (
	DefaultIntervalSeconds = 600
	IntervalFloorSeconds   = 30
)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = "./data/mines"
		case "sqlite", "sqlite3":
			c.Storage.Path = "./data/minekeeper.db"
		}
	}
	if c.Mines.DefaultInterval <= 0 {
		c.Mines.DefaultInterval = DefaultIntervalSeconds
	}
	if c.Mines.MinInterval < IntervalFloorSeconds {
		c.Mines.MinInterval = IntervalFloorSeconds
	}
	if c.Mines.ResetAllRate <= 0 {
		c.Mines.ResetAllRate = 4
	}
	if c.Mines.ResetAllBurst <= 0 {
		c.Mines.ResetAllBurst = 1
	}
}
