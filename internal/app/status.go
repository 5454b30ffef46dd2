package app

import (
	"context"
	"time"

	"minekeeper/internal/host"
	"minekeeper/internal/mines"
	"minekeeper/internal/runtime/supervisor"
	"minekeeper/internal/task/scheduler"
	logx "minekeeper/pkg/logx"
)

const (
	statusJob   = "status"
	statusEvery = time.Minute
)

// Status is a point-in-time view of the whole process.
type Status struct {
	At         time.Time           `json:"at"`
	Mines      mines.Stats         `json:"mines"`
	Lanes      host.Stats          `json:"lanes"`
	Jobs       scheduler.Snapshot  `json:"jobs"`
	Goroutines supervisor.Snapshot `json:"goroutines"`
}

func (a *App) Status() Status {
	now := time.Now()
	return Status{
		At:         now,
		Mines:      a.mines.Stats(now),
		Lanes:      a.lanes.Stats(),
		Jobs:       a.jobs.Snapshot(),
		Goroutines: a.sup.Snapshot(),
	}
}

// reportStatus logs a status summary and mirrors it to the service manager.
func (a *App) reportStatus(context.Context) error {
	st := a.Status()
	var failedJobs uint64
	for _, j := range st.Jobs.Jobs {
		failedJobs += j.Failed
		if j.LastErr != "" {
			a.log.Debug("job last error", logx.String("job", j.Name), logx.String("err", j.LastErr), logx.Time("next", j.Next))
		}
	}
	a.log.Info("status",
		logx.Int("mines", st.Mines.Total),
		logx.Int("resetting", st.Mines.Resetting),
		logx.Int("cells", st.Mines.TotalCells),
		logx.Duration("avg_interval", st.Mines.AverageInterval),
		logx.Int("timers", st.Lanes.Timers),
		logx.Uint64("executed", st.Lanes.Executed),
		logx.Uint64("lane_panics", st.Lanes.Panics),
		logx.Uint64("spills", st.Lanes.Spills),
		logx.Uint64("jobs_failed", failedJobs),
		logx.Int64("goroutines", st.Goroutines.Active),
	)
	a.sd.Status("%d mines, %d resetting soon", st.Mines.Total, st.Mines.Resetting)
	return nil
}

// SaveNow persists every mine. With autosave scheduled it runs that job so
// its stats stay accurate; otherwise it saves on the calling goroutine.
func (a *App) SaveNow(ctx context.Context) error {
	if a.jobs.Has(autosaveJob) {
		return a.jobs.RunNow(autosaveJob)
	}
	n, err := a.mines.SaveAll(ctx)
	a.log.Info("mines saved", logx.Int("mines", n), logx.Err(err))
	return err
}
