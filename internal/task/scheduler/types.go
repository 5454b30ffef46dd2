package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"minekeeper/internal/host"
	logx "minekeeper/pkg/logx"
)

// Config controls the job scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Job is a scheduled unit of work. A non-nil error is logged.
type Job func(ctx context.Context) error

type jobDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules

	// running is shared by every trigger of the definition; an overlapping
	// trigger is skipped.
	running *atomic.Bool
	stats   *jobStats
}

type jobStats struct {
	mu      sync.Mutex
	runs    uint64
	skipped uint64
	failed  uint64
	lastRun time.Time
	lastErr string
	lastDur time.Duration
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	host host.Scheduler

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	// ctx is the lifetime of jobs triggered after Start. It has its own
	// lock: cron waits for in-flight triggers while s.mu is held.
	ctxMu sync.Mutex
	ctx   context.Context

	warn *logx.Throttle
}

type JobInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time

	Runs    uint64
	Skipped uint64
	Failed  uint64
	LastRun time.Time
	LastDur time.Duration
	LastErr string
}

type Snapshot struct {
	Running  bool
	Timezone string
	Jobs     []JobInfo
}
