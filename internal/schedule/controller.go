// Package schedule keeps every mine on its own timer: it computes the next
// fire delay, catches up on missed resets, and re-arms after each
// occurrence.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"minekeeper/internal/eventbus"
	"minekeeper/internal/host"
	"minekeeper/internal/mine"
	"minekeeper/internal/registry"
	"minekeeper/internal/reset"
	logx "minekeeper/pkg/logx"
)

var (
	ErrUnknownMine = errors.New("unknown mine")
	errStale       = errors.New("stale occurrence")
)

// Runner performs one occurrence; *reset.Executor is the production one.
type Runner interface {
	Run(ctx context.Context, m *mine.Mine) (reset.Report, error)
}

// AfterFunc observes every attempted occurrence.
type AfterFunc func(ctx context.Context, m *mine.Mine, rep reset.Report, err error)

// Controller owns the authoritative timer of every registered mine.
type Controller struct {
	reg  *registry.Registry
	run  Runner
	host host.Scheduler
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	after AfterFunc

	mu         sync.RWMutex
	retryDelay time.Duration

	skipLog *logx.Throttle
}

type Option func(*Controller)

func WithBus(b eventbus.Bus) Option { return func(c *Controller) { c.bus = b } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithRetryDelay sets the wait after a failed occurrence; <=0 means one
// interval of the mine.
func WithRetryDelay(d time.Duration) Option { return func(c *Controller) { c.retryDelay = d } }

// WithAfter installs a hook run after each attempted occurrence, while the
// occurrence lock is still held.
func WithAfter(fn AfterFunc) Option { return func(c *Controller) { c.after = fn } }

func New(reg *registry.Registry, run Runner, hs host.Scheduler, log logx.Logger, opts ...Option) *Controller {
	c := &Controller{
		reg:     reg,
		run:     run,
		host:    hs,
		log:     log.Or(logx.Nop()).With(logx.String("comp", "schedule")),
		bus:     eventbus.Nop(),
		now:     time.Now,
		skipLog: logx.NewThrottle(5*time.Minute, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetRetryDelay changes the wait after a failed occurrence.
func (c *Controller) SetRetryDelay(d time.Duration) {
	c.mu.Lock()
	c.retryDelay = d
	c.mu.Unlock()
}

func (c *Controller) retryAfter(m *mine.Mine) time.Duration {
	c.mu.RLock()
	d := c.retryDelay
	c.mu.RUnlock()
	if d <= 0 {
		return m.Interval()
	}
	return d
}

// pass says what happened right before an arm.
type pass int

const (
	passFresh pass = iota
	passAfterSuccess
	passAfterFailure
)

func passOf(err error) pass {
	if err != nil {
		return passAfterFailure
	}
	return passAfterSuccess
}

// Arm cancels the mine's pending timer and commits to its next reset. An
// overdue mine is reset right away, on the calling goroutine, and then armed
// one interval out. Arm reports false when id is not registered.
func (c *Controller) Arm(ctx context.Context, id string) bool {
	e, ok := c.reg.Entry(id)
	if !ok {
		return false
	}
	return c.arm(ctx, e, passFresh)
}

// ArmAll arms every registered mine.
func (c *Controller) ArmAll(ctx context.Context) int {
	n := 0
	for _, e := range c.reg.Entries() {
		if c.arm(ctx, e, passFresh) {
			n++
		}
	}
	return n
}

func (c *Controller) arm(ctx context.Context, e *registry.Entry, p pass) bool {
	if e.Removed() {
		return false
	}
	e.Disarm()

	m := e.Mine()
	due := m.NextReset().Sub(c.now())
	if due <= 0 {
		switch p {
		case passFresh:
			c.log.Info("mine overdue, catching up", logx.String("mine", m.ID()), logx.Duration("overdue", -due))
			_, err := c.occur(ctx, e, true, func() bool { return !m.NextReset().After(c.now()) })
			if errors.Is(err, errStale) {
				err = nil
			}
			return c.arm(ctx, e, passOf(err))
		case passAfterFailure:
			due = c.retryAfter(m)
		default:
			// The occurrence outlasted the interval; run again as soon as the lane allows.
			due = 0
		}
	}

	hint := HintOf(m)
	armed := e.Arm(func(gen uint64) host.Handle {
		return c.host.RunDelayed(due, hint, func(ctx context.Context) {
			c.fire(ctx, e, gen)
		})
	})
	if armed {
		c.log.Debug("mine armed", logx.String("mine", m.ID()), logx.Duration("due", due), logx.Time("next_reset", m.NextReset()))
	}
	return armed
}

func (c *Controller) fire(ctx context.Context, e *registry.Entry, gen uint64) {
	_, err := c.occur(ctx, e, false, func() bool { return e.Current(gen) })
	if errors.Is(err, errStale) {
		return
	}
	c.arm(ctx, e, passOf(err))
}

// Trigger runs an occurrence now on the calling goroutine and re-arms.
func (c *Controller) Trigger(ctx context.Context, id string) (reset.Report, error) {
	e, ok := c.reg.Entry(id)
	if !ok {
		return reset.Report{}, fmt.Errorf("%w: %s", ErrUnknownMine, id)
	}
	rep, err := c.occur(ctx, e, false, nil)
	if errors.Is(err, errStale) {
		return rep, fmt.Errorf("%w: %s", ErrUnknownMine, id)
	}
	c.arm(ctx, e, passOf(err))
	return rep, err
}

// TriggerAsync queues Trigger on the mine's host lane.
func (c *Controller) TriggerAsync(id string) error {
	m, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMine, id)
	}
	c.host.Run(HintOf(m), func(ctx context.Context) {
		if _, err := c.Trigger(ctx, id); err != nil && !errors.Is(err, ErrUnknownMine) {
			c.log.Debug("queued reset failed", logx.String("mine", id), logx.Err(err))
		}
	})
	return nil
}

// Disarm cancels the mine's pending timer without removing it.
func (c *Controller) Disarm(id string) bool {
	e, ok := c.reg.Entry(id)
	if !ok {
		return false
	}
	e.Disarm()
	return true
}

// Armed reports whether the mine has a pending timer.
func (c *Controller) Armed(id string) bool {
	e, ok := c.reg.Entry(id)
	return ok && e.Armed()
}

// Stop disarms every mine. Occurrences already running finish.
func (c *Controller) Stop() {
	for _, e := range c.reg.Entries() {
		e.Disarm()
	}
}

// occur runs one occurrence under the mine's occurrence lock. ok, when
// non-nil, is rechecked once the lock is held; false skips with errStale.
func (c *Controller) occur(ctx context.Context, e *registry.Entry, catchUp bool, ok func() bool) (reset.Report, error) {
	e.Lock()
	defer e.Unlock()

	m := e.Mine()
	if e.Removed() || (ok != nil && !ok()) {
		return reset.Report{Mine: m.ID()}, errStale
	}

	rep, err := c.runSafe(ctx, m)
	c.report(m, rep, err, catchUp)
	if c.after != nil {
		c.after(ctx, m, rep, err)
	}
	return rep, err
}

func (c *Controller) runSafe(ctx context.Context, m *mine.Mine) (rep reset.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("reset panicked", logx.String("mine", m.ID()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("mine %q: reset panicked: %v", m.ID(), r)
		}
	}()
	return c.run.Run(ctx, m)
}

func (c *Controller) report(m *mine.Mine, rep reset.Report, err error, catchUp bool) {
	ev := eventbus.ResetEvent{
		Mine:      m.ID(),
		Space:     m.Space(),
		Cells:     rep.Cells,
		Evacuated: len(rep.Evacuated),
		Duration:  rep.Duration(),
		CatchUp:   catchUp,
	}
	var pe *reset.PartialEvacuationError
	if errors.As(rep.Evacuation, &pe) {
		ev.Stranded = len(pe.Failed)
		c.log.Warn("partial evacuation failure", logx.String("mine", m.ID()), logx.Int("stranded", ev.Stranded), logx.Err(pe))
	}

	if err != nil {
		ev.Error = err.Error()
		c.bus.Publish(eventbus.Event{Type: eventbus.MineResetSkipped, Data: ev})
		if errors.Is(err, reset.ErrSpaceUnavailable) {
			if c.skipLog.Allow(m.ID()) {
				c.log.Warn("reset skipped, space unavailable", logx.String("mine", m.ID()), logx.String("space", m.Space()), logx.Err(err))
			}
			return
		}
		c.log.Error("reset failed", logx.String("mine", m.ID()), logx.Err(err))
		return
	}

	c.skipLog.Forget(m.ID())
	c.bus.Publish(eventbus.Event{Type: eventbus.MineReset, Data: ev})
	c.log.Info("mine reset",
		logx.String("mine", m.ID()),
		logx.Int("cells", rep.Cells),
		logx.Int("evacuated", len(rep.Evacuated)),
		logx.Duration("dur", rep.Duration()),
		logx.Bool("catch_up", catchUp),
		logx.Time("next_reset", m.NextReset()),
	)
}

// HintOf places a mine's callbacks on the lane of its center.
func HintOf(m *mine.Mine) host.Hint {
	c := m.Center().Cell()
	return host.Hint{Space: m.Space(), X: c.X, Z: c.Z}
}
