package host

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"minekeeper/internal/runtime/supervisor"
	logx "minekeeper/pkg/logx"
)

type Config struct {
	// Lanes is the number of workers; <=0 means 4.
	Lanes int
	// QueueSize bounds each lane's backlog; <=0 means 256.
	QueueSize int
	// RegionSize is the edge length, in cells, of the square region mapped
	// to one lane key; <=0 means 16.
	RegionSize int
}

func (c Config) withDefaults() Config {
	if c.Lanes <= 0 {
		c.Lanes = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RegionSize <= 0 {
		c.RegionSize = 16
	}
	return c
}

// Lanes is the default Scheduler: a fixed set of worker goroutines under a
// supervisor, each draining its own queue, plus time.AfterFunc timers that
// feed those queues.
type Lanes struct {
	cfg Config
	log logx.Logger

	queues []chan *task
	stopCh chan struct{}

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	started bool
	stopped bool
	timers  map[*task]struct{}

	executed uint64
	panics   uint64
	canceled uint64
	spills   uint64

	spillLog *logx.Throttle
}

// Stats is a point-in-time view of the lanes.
type Stats struct {
	Lanes    int    `json:"lanes"`
	Queued   []int  `json:"queued"`
	Timers   int    `json:"timers"`
	Executed uint64 `json:"executed"`
	Panics   uint64 `json:"panics"`
	Canceled uint64 `json:"canceled"`
	Spills   uint64 `json:"spills"`
}

func NewLanes(cfg Config, log logx.Logger) *Lanes {
	cfg = cfg.withDefaults()
	l := &Lanes{
		cfg:      cfg,
		log:      log.Or(logx.Nop()).With(logx.String("comp", "host")),
		queues:   make([]chan *task, cfg.Lanes),
		stopCh:   make(chan struct{}),
		timers:   map[*task]struct{}{},
		spillLog: logx.NewThrottle(30*time.Second, 1),
	}
	for i := range l.queues {
		l.queues[i] = make(chan *task, cfg.QueueSize)
	}
	return l
}

// Start launches one supervised worker per lane. Work queued before Start
// runs once the workers are up.
func (l *Lanes) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	l.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(l.log))
	for i := range l.queues {
		idx := i
		l.sup.GoRestart("host.lane."+strconv.Itoa(idx), func(ctx context.Context) error {
			return l.worker(ctx, idx)
		}, supervisor.WithRestartBackoff(50*time.Millisecond, 2*time.Second))
	}
	l.log.Info("host lanes started", logx.Int("lanes", len(l.queues)), logx.Int("queue_size", l.cfg.QueueSize), logx.Int("region_size", l.cfg.RegionSize))
}

// Stop cancels all pending timers, stops the workers and waits for them.
// Queued callbacks that have not started are dropped.
func (l *Lanes) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	pending := make([]*task, 0, len(l.timers))
	for t := range l.timers {
		pending = append(pending, t)
	}
	l.timers = map[*task]struct{}{}
	sup := l.sup
	l.mu.Unlock()

	for _, t := range pending {
		if t.state.CompareAndSwap(statePending, stateCanceled) {
			t.timer.Stop()
		}
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (l *Lanes) RunDelayed(delay time.Duration, hint Hint, fn Func) Handle {
	if delay <= 0 {
		return l.Run(hint, fn)
	}
	t := l.newTask(hint, fn)

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		t.state.Store(stateCanceled)
		return t
	}
	t.timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.enqueue(t)
	})
	l.timers[t] = struct{}{}
	l.mu.Unlock()
	return t
}

func (l *Lanes) Run(hint Hint, fn Func) Handle {
	t := l.newTask(hint, fn)
	l.enqueue(t)
	return t
}

func (l *Lanes) newTask(hint Hint, fn Func) *task {
	return &task{l: l, hint: hint, fn: fn, lane: l.LaneOf(hint)}
}

// LaneOf maps a hint to its lane index.
func (l *Lanes) LaneOf(h Hint) int {
	rs := l.cfg.RegionSize
	hs := fnv.New32a()
	_, _ = hs.Write([]byte(h.Space))
	_, _ = hs.Write([]byte{0})
	_, _ = hs.Write([]byte(strconv.Itoa(floorDiv(h.X, rs))))
	_, _ = hs.Write([]byte{','})
	_, _ = hs.Write([]byte(strconv.Itoa(floorDiv(h.Z, rs))))
	return int(hs.Sum32() % uint32(len(l.queues)))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (l *Lanes) enqueue(t *task) {
	if t.state.Load() != statePending {
		return
	}
	t.enqueuedAt = time.Now()
	q := l.queues[t.lane]
	select {
	case <-l.stopCh:
		t.state.CompareAndSwap(statePending, stateCanceled)
		return
	case q <- t:
		return
	default:
	}

	// Lane is full. Hand the send to a goroutine so a worker enqueueing onto
	// its own lane cannot deadlock; order within the lane is no longer FIFO.
	atomic.AddUint64(&l.spills, 1)
	if l.spillLog.Allow("lane." + strconv.Itoa(t.lane)) {
		l.log.Warn("host lane full, spilling", logx.Int("lane", t.lane), logx.Int("queue_size", cap(q)))
	}
	go func() {
		select {
		case q <- t:
		case <-l.stopCh:
			t.state.CompareAndSwap(statePending, stateCanceled)
		}
	}()
}

func (l *Lanes) worker(ctx context.Context, idx int) error {
	q := l.queues[idx]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case t := <-q:
			l.exec(ctx, t)
		}
	}
}

func (l *Lanes) exec(ctx context.Context, t *task) {
	if !t.state.CompareAndSwap(statePending, stateRunning) {
		return
	}
	defer t.state.Store(stateDone)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&l.panics, 1)
			l.log.Error("host callback panicked", logx.Int("lane", t.lane), logx.String("space", t.hint.Space), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if wait := time.Since(t.enqueuedAt); wait > time.Second {
		l.log.Debug("host callback queued long", logx.Int("lane", t.lane), logx.Duration("queue_delay", wait))
	}
	atomic.AddUint64(&l.executed, 1)
	t.fn(ctx)
}

func (l *Lanes) Stats() Stats {
	st := Stats{
		Lanes:    len(l.queues),
		Queued:   make([]int, len(l.queues)),
		Executed: atomic.LoadUint64(&l.executed),
		Panics:   atomic.LoadUint64(&l.panics),
		Canceled: atomic.LoadUint64(&l.canceled),
		Spills:   atomic.LoadUint64(&l.spills),
	}
	for i, q := range l.queues {
		st.Queued[i] = len(q)
	}
	l.mu.Lock()
	st.Timers = len(l.timers)
	l.mu.Unlock()
	return st
}

const (
	statePending int32 = iota
	stateCanceled
	stateRunning
	stateDone
)

type task struct {
	l          *Lanes
	hint       Hint
	fn         Func
	lane       int
	timer      *time.Timer
	enqueuedAt time.Time
	state      atomic.Int32
}

func (t *task) Cancel() bool {
	if !t.state.CompareAndSwap(statePending, stateCanceled) {
		return false
	}
	atomic.AddUint64(&t.l.canceled, 1)
	t.l.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(t.l.timers, t)
	t.l.mu.Unlock()
	return true
}

var _ Scheduler = (*Lanes)(nil)
