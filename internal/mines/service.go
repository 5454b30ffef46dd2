// Package mines is the entry point for front ends: create, delete, query,
// edit and reset mines, plus loading from and saving to storage. It owns the
// registry and the schedule controller.
package mines

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"minekeeper/internal/eventbus"
	"minekeeper/internal/host"
	"minekeeper/internal/mine"
	"minekeeper/internal/registry"
	"minekeeper/internal/reset"
	"minekeeper/internal/schedule"
	"minekeeper/internal/storage"
	"minekeeper/internal/world"
	logx "minekeeper/pkg/logx"
)

var (
	ErrNotFound        = errors.New("mine not found")
	ErrAlreadyExists   = errors.New("mine already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIntervalTooSmall wraps ErrInvalidArgument.
	ErrIntervalTooSmall = fmt.Errorf("%w: interval below minimum", ErrInvalidArgument)
)

// Config holds the hot-reloadable settings of the service.
type Config struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	// AllowedKinds, when non-empty, restricts recipe kinds.
	AllowedKinds  []mine.Kind
	ResetAllRate  float64
	ResetAllBurst int
	// RetryDelay is the wait after a skipped occurrence; 0 means one interval.
	RetryDelay time.Duration
}

// IntervalFloor is the smallest interval any mine may have.
const IntervalFloor = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 10 * time.Minute
	}
	if c.MinInterval < IntervalFloor {
		c.MinInterval = IntervalFloor
	}
	if c.ResetAllRate <= 0 {
		c.ResetAllRate = 4
	}
	if c.ResetAllBurst <= 0 {
		c.ResetAllBurst = 1
	}
	return c
}

// Deps are the collaborators of the service. Store, Selector, Spaces and Bus
// are optional.
type Deps struct {
	Runner   schedule.Runner
	Host     host.Scheduler
	Store    storage.Store
	Selector world.Selector
	Spaces   world.Resolver
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	reg   *registry.Registry
	ctl   *schedule.Controller
	store storage.Store
	sel   world.Selector
	space world.Resolver
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu      sync.RWMutex
	cfg     Config
	allowed map[mine.Kind]struct{}
	limiter *rate.Limiter

	// editMu serializes read-modify-write edits of recipes.
	editMu sync.Mutex
}

type Option func(*options)

type options struct {
	now     func() time.Time
	ctlOpts []schedule.Option
}

// WithClock replaces time.Now for the service and its controller.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
		o.ctlOpts = append(o.ctlOpts, schedule.WithClock(now))
	}
}

// WithControllerOptions passes extra options to the schedule controller.
func WithControllerOptions(opts ...schedule.Option) Option {
	return func(o *options) { o.ctlOpts = append(o.ctlOpts, opts...) }
}

func New(d Deps, cfg Config, opts ...Option) *Service {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Service{
		reg:   registry.New(),
		store: d.Store,
		sel:   d.Selector,
		space: d.Spaces,
		bus:   d.Bus,
		log:   d.Log.Or(logx.Nop()).With(logx.String("comp", "mines")),
		now:   o.now,
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	ctlOpts := append([]schedule.Option{
		schedule.WithBus(s.bus),
		schedule.WithRetryDelay(cfg.RetryDelay),
		schedule.WithAfter(s.afterOccurrence),
	}, o.ctlOpts...)
	s.ctl = schedule.New(s.reg, d.Runner, d.Host, d.Log, ctlOpts...)
	s.setConfig(cfg)
	return s
}

// Apply swaps the hot-reloadable settings.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.setConfig(cfg)
	s.ctl.SetRetryDelay(cfg.RetryDelay)
}

func (s *Service) setConfig(cfg Config) {
	allowed := make(map[mine.Kind]struct{}, len(cfg.AllowedKinds))
	for _, k := range cfg.AllowedKinds {
		allowed[k] = struct{}{}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.allowed = allowed
	s.limiter = rate.NewLimiter(rate.Limit(cfg.ResetAllRate), cfg.ResetAllBurst)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Controller exposes the schedule controller.
func (s *Service) Controller() *schedule.Controller { return s.ctl }

// Create registers a new mine, persists it and runs its initial fill, which
// also arms its timer. A nil recipe means the fallback recipe.
func (s *Service) Create(ctx context.Context, id, space string, c1, c2 mine.Point, recipe mine.Recipe) (*mine.Mine, error) {
	if err := storage.ValidName(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if space == "" {
		return nil, fmt.Errorf("%w: empty space", ErrInvalidArgument)
	}
	if s.space != nil {
		if _, err := s.space.Space(space); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	if err := s.checkRecipe(recipe); err != nil {
		return nil, err
	}
	if _, ok := s.reg.Get(id); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	m, err := mine.New(mine.Spec{
		ID:        id,
		Space:     space,
		Corner1:   c1,
		Corner2:   c2,
		Interval:  s.config().DefaultInterval,
		Recipe:    recipe,
		LastReset: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := s.reg.Insert(m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s.persist(ctx, m)
	s.bus.Publish(eventbus.Event{Type: eventbus.MineCreated, Data: eventbus.MineEvent{Mine: id, Space: space}})
	s.log.Info("mine created", logx.String("mine", id), logx.String("space", space), logx.String("bounds", m.BoundsLabel()), logx.Int("cells", m.CellCount()))

	if _, err := s.ctl.Trigger(ctx, id); err != nil {
		s.log.Warn("initial fill failed", logx.String("mine", id), logx.Err(err))
	}
	return m, nil
}

// CreateFromSelection creates a mine from the actor's current selection.
func (s *Service) CreateFromSelection(ctx context.Context, actor, id string, recipe mine.Recipe) (*mine.Mine, error) {
	if s.sel == nil {
		return nil, world.ErrUnsupported
	}
	space, c1, c2, err := s.sel.Selection(actor)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, id, space, c1, c2, recipe)
}

// Delete removes the mine, cancels its timer and deletes its record. It
// waits for an occurrence of the mine that is already running.
func (s *Service) Delete(ctx context.Context, id string) error {
	e, ok := s.reg.Entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.Lock()
	m, ok := s.reg.Remove(id)
	e.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			s.log.Warn("delete record failed", logx.String("mine", id), logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.MineDeleted, Data: eventbus.MineEvent{Mine: id, Space: m.Space()}})
	s.log.Info("mine deleted", logx.String("mine", id))
	return nil
}

// Get returns the live mine.
func (s *Service) Get(id string) (*mine.Mine, error) {
	m, ok := s.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// List returns all mines sorted by id.
func (s *Service) List() []*mine.Mine { return s.reg.List() }

func (s *Service) Len() int { return s.reg.Len() }

// ResetNow resets the mine right away. With wait it runs on the calling
// goroutine and returns the report; otherwise it is queued on the mine's
// host lane and the zero report is returned.
func (s *Service) ResetNow(ctx context.Context, id string, wait bool) (reset.Report, error) {
	if !wait {
		return reset.Report{}, notFound(s.ctl.TriggerAsync(id))
	}
	rep, err := s.ctl.Trigger(ctx, id)
	return rep, notFound(err)
}

func notFound(err error) error {
	if errors.Is(err, schedule.ErrUnknownMine) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// ResetAll queues a reset of every mine, paced by the reset_all rate. It
// returns how many were queued before ctx ended.
func (s *Service) ResetAll(ctx context.Context) (int, error) {
	s.mu.RLock()
	lim := s.limiter
	s.mu.RUnlock()

	n := 0
	for _, m := range s.reg.List() {
		if err := lim.Wait(ctx); err != nil {
			return n, err
		}
		if err := s.ctl.TriggerAsync(m.ID()); err != nil {
			continue
		}
		n++
	}
	s.log.Info("reset all queued", logx.Int("mines", n))
	return n, nil
}

// SetInterval changes the mine's period and re-arms it. Values below the
// configured minimum fail with ErrIntervalTooSmall and change nothing.
func (s *Service) SetInterval(ctx context.Context, id string, seconds int) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	d := time.Duration(seconds) * time.Second
	if floor := s.config().MinInterval; d < floor {
		return fmt.Errorf("%w: %ds < %ds", ErrIntervalTooSmall, seconds, int(floor/time.Second))
	}
	if err := m.SetInterval(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	s.persist(ctx, m)
	s.log.Info("mine interval changed", logx.String("mine", id), logx.Duration("interval", d))
	s.ctl.Arm(ctx, id)
	return nil
}

// SetAnchor sets the evacuation target of the mine.
func (s *Service) SetAnchor(ctx context.Context, id string, at mine.Location) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	m.SetAnchor(at)
	s.persist(ctx, m)
	return nil
}

// ClearAnchor drops the anchor; evacuation falls back to above the box.
func (s *Service) ClearAnchor(ctx context.Context, id string) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	m.ClearAnchor()
	s.persist(ctx, m)
	return nil
}

// SafeLocation is where occupants of the mine are sent.
func (s *Service) SafeLocation(id string) (string, mine.Location, error) {
	m, err := s.Get(id)
	if err != nil {
		return "", mine.Location{}, err
	}
	return m.Space(), m.SafeLocation(), nil
}

// afterOccurrence persists the new last reset of a completed occurrence.
// It runs under the occurrence lock, so a concurrent Delete has either
// already removed the mine or waits until the save is done.
func (s *Service) afterOccurrence(ctx context.Context, m *mine.Mine, _ reset.Report, err error) {
	if err != nil {
		return
	}
	if cur, ok := s.reg.Get(m.ID()); !ok || cur != m {
		return
	}
	s.persist(ctx, m)
}

func (s *Service) persist(ctx context.Context, m *mine.Mine) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, ToRecord(m)); err != nil {
		s.log.Warn("save mine failed", logx.String("mine", m.ID()), logx.Err(err))
	}
}
