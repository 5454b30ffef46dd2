package mines

import (
	"context"
	"errors"
	"fmt"

	"minekeeper/internal/mine"
	"minekeeper/internal/registry"
	logx "minekeeper/pkg/logx"
)

// LoadResult counts what Load did.
type LoadResult struct {
	Loaded  int
	Skipped int
	Armed   int
}

// Load reads every record from storage, registers the valid ones and arms
// them. Overdue mines are reset on the calling goroutine before Load
// returns. A bad record is logged and skipped.
func (s *Service) Load(ctx context.Context) (LoadResult, error) {
	var res LoadResult
	if s.store == nil {
		return res, nil
	}
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return res, fmt.Errorf("load mines: %w", err)
	}

	cfg := s.config()
	defaults := RecordDefaults{
		Interval:    cfg.DefaultInterval,
		MinInterval: cfg.MinInterval,
		Now:         s.now(),
		Allowed:     s.kindAllowed,
	}
	for _, l := range all {
		if l.Err != nil {
			res.Skipped++
			s.log.Warn("mine record skipped", logx.String("source", l.Source), logx.Err(l.Err))
			continue
		}
		m, warnings, err := FromRecord(l.Record, defaults)
		if err != nil {
			res.Skipped++
			s.log.Warn("mine record skipped", logx.String("source", l.Source), logx.Err(err))
			continue
		}
		for _, w := range warnings {
			s.log.Warn("mine record fixed up", logx.String("mine", m.ID()), logx.String("issue", w))
		}
		if _, err := s.reg.Insert(m); err != nil {
			res.Skipped++
			s.log.Warn("mine record skipped", logx.String("source", l.Source), logx.String("mine", m.ID()), logx.Err(err))
			continue
		}
		res.Loaded++
		s.log.Debug("mine loaded", logx.String("mine", m.ID()), logx.String("space", m.Space()), logx.Time("next_reset", m.NextReset()))
	}

	res.Armed = s.ctl.ArmAll(ctx)
	s.log.Info("mines loaded", logx.Int("loaded", res.Loaded), logx.Int("skipped", res.Skipped), logx.Int("armed", res.Armed))
	return res, nil
}

// Reload drops every live mine, without saving, and loads again from
// storage.
func (s *Service) Reload(ctx context.Context) (LoadResult, error) {
	s.ctl.Stop()
	s.clear()
	return s.Load(ctx)
}

// clear removes every mine, waiting for running occurrences.
func (s *Service) clear() {
	for _, e := range s.reg.Entries() {
		s.removeEntry(e)
	}
}

func (s *Service) removeEntry(e *registry.Entry) {
	e.Lock()
	s.reg.Remove(e.Mine().ID())
	e.Unlock()
}

// SaveAll persists every mine. It returns how many were saved and the
// joined errors of the rest.
func (s *Service) SaveAll(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	var (
		n    int
		errs []error
	)
	for _, m := range s.reg.List() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.store.Save(ctx, ToRecord(m)); err != nil {
			errs = append(errs, fmt.Errorf("mine %q: %w", m.ID(), err))
			continue
		}
		n++
	}
	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("save all incomplete", logx.Int("saved", n), logx.Int("failed", len(errs)), logx.Err(err))
	} else {
		s.log.Debug("save all done", logx.Int("saved", n))
	}
	return n, err
}

// Shutdown disarms every mine and persists them all.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ctl.Stop()
	_, err := s.SaveAll(ctx)
	return err
}

func (s *Service) kindAllowed(k mine.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[k]
	return ok
}
