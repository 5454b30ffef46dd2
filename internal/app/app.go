// Package app wires the mine engine together and runs its lifecycle:
// config, logging, storage, the host lanes, the schedule and the jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"minekeeper/internal/config"
	"minekeeper/internal/eventbus"
	"minekeeper/internal/host"
	"minekeeper/internal/mines"
	"minekeeper/internal/reset"
	"minekeeper/internal/runtime/supervisor"
	"minekeeper/internal/storage"
	"minekeeper/internal/task/scheduler"
	"minekeeper/internal/world/memworld"
	logx "minekeeper/pkg/logx"
	"minekeeper/pkg/systemd"
)

const autosaveJob = "autosave"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	world *memworld.World
	lanes *host.Lanes
	jobs  *scheduler.Service
	mines *mines.Service
	sd    *systemd.Notifier
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.Open(openCtx, sc, log)
	cancel()
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store == nil {
		appLog.Warn("storage disabled; mines will not survive a restart")
	}

	w := memworld.New(cfg.Worlds...)
	lanes := host.NewLanes(mapHostConfig(cfg), log)
	exec := reset.New(w, log, reset.WithBus(bus))

	mc, _ := mapMinesConfig(cfg) // checked by validate
	svc := mines.New(mines.Deps{
		Runner:   exec,
		Host:     lanes,
		Store:    store,
		Selector: w,
		Spaces:   w,
		Bus:      bus,
		Log:      log,
	}, mc)

	jobs := scheduler.New(scheduler.Config{Timezone: cfg.Schedule.Timezone}, lanes, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		world:   w,
		lanes:   lanes,
		jobs:    jobs,
		mines:   svc,
		sd:      systemd.NewNotifier(cfg.Systemd.Notify, log),
	}, nil
}

// Mines is the front-end API.
func (a *App) Mines() *mines.Service { return a.mines }

// World is the in-memory world the mines live in.
func (a *App) World() *memworld.World { return a.world }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads and arms every stored mine, then starts the background
// loops. Overdue mines are caught up before Start returns.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger())
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.lanes.Start(runCtx)

	res, err := a.mines.Load(runCtx)
	if err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if err := a.applyAutosave(cfg.Schedule.Autosave); err != nil {
		a.log.Warn("autosave not scheduled", logx.String("spec", cfg.Schedule.Autosave), logx.Err(err))
	}
	if _, err := a.jobs.AddInterval(statusJob, statusEvery, 10*time.Second, a.reportStatus); err != nil {
		return err
	}
	a.jobs.Start(runCtx)

	// Log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", a.sd.Watchdog)
	}
	a.sd.Ready()
	a.sd.Status("%d mines armed", res.Armed)

	a.log.Info("app started", logx.Int("mines", res.Loaded), logx.Int("skipped", res.Skipped), logx.Int("armed", res.Armed))
	return nil
}

// applyAutosave (re)registers or removes the autosave job.
func (a *App) applyAutosave(spec string) error {
	if strings.TrimSpace(spec) == "" {
		a.jobs.Remove(autosaveJob)
		return nil
	}
	_, err := a.jobs.AddSchedule(autosaveJob, spec, time.Minute, func(ctx context.Context) error {
		n, err := a.mines.SaveAll(ctx)
		if err == nil {
			a.log.Debug("autosave done", logx.Int("mines", n))
		}
		return err
	})
	return err
}

// applyConfig applies a committed config. Sections that need a restart
// are only warned about.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	for _, s := range restart {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if slices.Contains(sections, "mines") || slices.Contains(sections, "schedule") {
		if mc, err := mapMinesConfig(newCfg); err != nil {
			a.log.Warn("invalid mines config; keeping previous", logx.Err(err))
		} else {
			a.mines.Apply(mc)
		}
	}
	if slices.Contains(sections, "schedule") {
		a.jobs.Apply(scheduler.Config{Timezone: newCfg.Schedule.Timezone})
		if oldCfg == nil || oldCfg.Schedule.Autosave != newCfg.Schedule.Autosave {
			if err := a.applyAutosave(newCfg.Schedule.Autosave); err != nil {
				a.log.Warn("autosave not rescheduled", logx.String("spec", newCfg.Schedule.Autosave), logx.Err(err))
			}
		}
	}
	if slices.Contains(sections, "worlds") {
		a.applyWorlds(oldCfg, newCfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyWorlds adds spaces that appeared in the config. Spaces that were
// dropped stay loaded until restart so armed mines keep resolving.
func (a *App) applyWorlds(oldCfg, newCfg *config.Config) {
	var known []string
	if oldCfg != nil {
		known = oldCfg.Worlds
	}
	for _, id := range newCfg.Worlds {
		if !slices.Contains(known, id) {
			a.world.AddSpace(id)
			a.log.Info("space added", logx.String("space", id))
		}
	}
}

// Stop shuts the app down: disarm and save every mine, stop the lanes, close
// storage and wait for the background loops.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("schedule", time.Second, func(context.Context) error { a.mines.Controller().Stop(); return nil })
	step("lanes", 5*time.Second, a.lanes.Stop)
	step("mines", 10*time.Second, a.mines.Shutdown)
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.Close()
	return errors.Join(errs...)
}
