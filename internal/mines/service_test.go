package mines

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"minekeeper/internal/host"
	"minekeeper/internal/mine"
	"minekeeper/internal/reset"
	"minekeeper/internal/storage"
	"minekeeper/internal/world"
	"minekeeper/internal/world/memworld"
	logx "minekeeper/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeHost runs immediate callbacks inline and records delayed ones.
type fakeHost struct {
	mu      sync.Mutex
	delayed []*fakeTask
}

type fakeTask struct {
	delay    time.Duration
	fn       host.Func
	canceled bool
}

func (t *fakeTask) Cancel() bool {
	was := !t.canceled
	t.canceled = true
	return was
}

func (h *fakeHost) RunDelayed(d time.Duration, _ host.Hint, fn host.Func) host.Handle {
	t := &fakeTask{delay: d, fn: fn}
	h.mu.Lock()
	h.delayed = append(h.delayed, t)
	h.mu.Unlock()
	return t
}

func (h *fakeHost) Run(_ host.Hint, fn host.Func) host.Handle {
	t := &fakeTask{fn: fn}
	fn(context.Background())
	return t
}

// pending returns the live delayed tasks.
func (h *fakeHost) pending() []*fakeTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*fakeTask
	for _, t := range h.delayed {
		if !t.canceled {
			out = append(out, t)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	world *memworld.World
	store storage.Store
	dir   string
	clock *fakeClock
	host  *fakeHost
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	w := memworld.New("world")
	h := &fakeHost{}
	x := reset.New(w, logx.Nop(), reset.WithClock(clk.Now), reset.WithSeed(7))
	svc := New(Deps{
		Runner:   x,
		Host:     h,
		Store:    st,
		Selector: w,
		Spaces:   w,
		Log:      logx.Nop(),
	}, cfg, WithClock(clk.Now))
	return &fixture{svc: svc, world: w, store: st, dir: dir, clock: clk, host: h}
}

func (f *fixture) records(t *testing.T) map[string]storage.Record {
	t.Helper()
	all, err := f.store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	out := map[string]storage.Record{}
	for _, l := range all {
		if l.Err == nil {
			out[l.Record.Name] = l.Record
		}
	}
	return out
}

func TestCreateFillsEvacuatesAndArms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	sp, _ := f.world.Lookup("world")
	inside := sp.Join("alex", mine.Location{X: 1.5, Y: 1, Z: 1.5})

	m, err := f.svc.Create(ctx, "coal", "world", mine.Point{X: 0, Y: 0, Z: 0}, mine.Point{X: 2, Y: 2, Z: 2}, mine.Recipe{"COAL_ORE": 100})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := sp.Count(m.Box())["COAL_ORE"]; got != 27 {
		t.Fatalf("COAL_ORE cells=%d want 27", got)
	}
	if m.Box().ContainsLocation(inside.Position()) {
		t.Fatalf("occupant still inside at %v", inside.Position())
	}
	if !f.svc.Controller().Armed("coal") {
		t.Fatalf("mine not armed")
	}
	if p := f.host.pending(); len(p) != 1 || p[0].delay != 10*time.Minute {
		t.Fatalf("pending=%v", p)
	}
	rec, ok := f.records(t)["coal"]
	if !ok {
		t.Fatalf("record not saved")
	}
	if rec.LastReset != f.clock.Now().UnixMilli() || rec.ResetInterval != 600 {
		t.Fatalf("record=%+v", rec)
	}
}

func TestCreateRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AllowedKinds: []mine.Kind{"STONE", "COAL_ORE"}})
	ctx := context.Background()
	c1, c2 := mine.Point{}, mine.Point{X: 1, Y: 1, Z: 1}

	if _, err := f.svc.Create(ctx, "a", "world", c1, c2, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		name   string
		id     string
		space  string
		recipe mine.Recipe
		want   error
	}{
		{"duplicate", "a", "world", nil, ErrAlreadyExists},
		{"bad name", "a/b", "world", nil, ErrInvalidArgument},
		{"unknown space", "b", "nether", nil, ErrInvalidArgument},
		{"weight too high", "b", "world", mine.Recipe{"STONE": 150}, ErrInvalidArgument},
		{"negative weight", "b", "world", mine.Recipe{"STONE": -1}, ErrInvalidArgument},
		{"kind not allowed", "b", "world", mine.Recipe{"DIAMOND_ORE": 1}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		if _, err := f.svc.Create(ctx, tc.id, tc.space, c1, c2, tc.recipe); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
	if _, err := f.svc.Create(ctx, "b", "nether", c1, c2, nil); !errors.Is(err, world.ErrSpaceNotFound) {
		t.Fatalf("unknown space should wrap ErrSpaceNotFound: %v", err)
	}
	if f.svc.Len() != 1 {
		t.Fatalf("len=%d want 1", f.svc.Len())
	}
}

func TestCreateFromSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.CreateFromSelection(ctx, "alex", "sel", nil); !errors.Is(err, world.ErrNoSelection) {
		t.Fatalf("err=%v want ErrNoSelection", err)
	}
	f.world.Select("alex", "world", mine.Point{X: 5, Y: 0, Z: 5}, mine.Point{X: 0, Y: 3, Z: 0})
	m, err := f.svc.CreateFromSelection(ctx, "alex", "sel", nil)
	if err != nil {
		t.Fatalf("CreateFromSelection: %v", err)
	}
	if m.BoundsLabel() != "6x4x6" {
		t.Fatalf("bounds=%s", m.BoundsLabel())
	}
	if r := m.Recipe(); len(r) != 1 || r[mine.FallbackKind] != mine.MaxWeight {
		t.Fatalf("recipe=%v want fallback", r)
	}
}

func TestSetIntervalFloor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	m, err := f.svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = f.svc.SetInterval(ctx, "m", 29)
	if !errors.Is(err, ErrIntervalTooSmall) || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrIntervalTooSmall", err)
	}
	if m.Interval() != 10*time.Minute {
		t.Fatalf("interval changed to %v", m.Interval())
	}

	if err := f.svc.SetInterval(ctx, "m", 30); err != nil {
		t.Fatalf("SetInterval(30): %v", err)
	}
	if m.Interval() != 30*time.Second {
		t.Fatalf("interval=%v", m.Interval())
	}
	p := f.host.pending()
	if len(p) != 1 || p[0].delay != 30*time.Second {
		t.Fatalf("pending after re-arm=%+v", p)
	}
	if rec := f.records(t)["m"]; rec.ResetInterval != 30 {
		t.Fatalf("record interval=%d", rec.ResetInterval)
	}
	if err := f.svc.SetInterval(ctx, "missing", 60); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestRecipeEdits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AllowedKinds: []mine.Kind{"STONE", "COAL_ORE", "IRON_ORE"}})
	ctx := context.Background()
	m, err := f.svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{X: 1}, mine.Recipe{"STONE": 60, "COAL_ORE": 40})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.svc.SetWeight(ctx, "m", "iron_ore", 25); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	if m.Recipe()["IRON_ORE"] != 25 {
		t.Fatalf("recipe=%v", m.Recipe())
	}
	if f.records(t)["m"].Composition["IRON_ORE"] != 25 {
		t.Fatalf("edit not persisted")
	}

	bad := []struct {
		kind   string
		weight float64
	}{
		{"bad kind", 10},
		{"GOLD_ORE", 10},
		{"STONE", 101},
		{"STONE", -0.5},
	}
	for _, b := range bad {
		if err := f.svc.SetWeight(ctx, "m", b.kind, b.weight); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("SetWeight(%q,%v) err=%v", b.kind, b.weight, err)
		}
	}

	if err := f.svc.RemoveKind(ctx, "m", "GOLD_ORE"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("RemoveKind(absent) err=%v", err)
	}
	for _, k := range []string{"STONE", "COAL_ORE", "IRON_ORE"} {
		if err := f.svc.RemoveKind(ctx, "m", k); err != nil {
			t.Fatalf("RemoveKind(%s): %v", k, err)
		}
	}
	if r := m.Recipe(); len(r) != 1 || r[mine.FallbackKind] != mine.MaxWeight {
		t.Fatalf("recipe after removing all=%v", r)
	}

	if err := f.svc.SetRecipe(ctx, "m", mine.Recipe{"IRON_ORE": 1}); err != nil {
		t.Fatalf("SetRecipe: %v", err)
	}
	if r := m.Recipe(); len(r) != 1 || r["IRON_ORE"] != 1 {
		t.Fatalf("recipe=%v", r)
	}
	if err := f.svc.SetWeight(ctx, "missing", "STONE", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestRecipeCopyIsDefensive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	m, err := f.svc.Create(context.Background(), "m", "world", mine.Point{}, mine.Point{}, mine.Recipe{"STONE": 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r := m.Recipe()
	r["STONE"] = 99
	r["DIRT"] = 1
	if got := m.Recipe(); len(got) != 1 || got["STONE"] != 10 {
		t.Fatalf("internal recipe aliased: %v", got)
	}
}

func TestDeleteCancelsAndRemovesRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, "gone", "world", mine.Point{}, mine.Point{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	timer := f.host.pending()[0]

	if err := f.svc.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !timer.canceled {
		t.Fatalf("timer not canceled")
	}
	if _, ok := f.records(t)["gone"]; ok {
		t.Fatalf("record still stored")
	}

	// A callback that fired before the delete must not resurrect the mine.
	timer.fn(ctx)
	if len(f.host.pending()) != 0 {
		t.Fatalf("deleted mine re-armed")
	}
	if _, ok := f.records(t)["gone"]; ok {
		t.Fatalf("record resurrected")
	}

	if err := f.svc.Delete(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := f.svc.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := f.svc.ResetNow(ctx, "gone", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := f.svc.ResetNow(ctx, "gone", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestResetNowPersistsLastReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	m, err := f.svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{X: 3, Y: 3, Z: 3}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	rep, err := f.svc.ResetNow(ctx, "m", true)
	if err != nil {
		t.Fatalf("ResetNow: %v", err)
	}
	if rep.Cells != 64 {
		t.Fatalf("cells=%d", rep.Cells)
	}
	now := f.clock.Now()
	if !m.LastReset().Equal(now) {
		t.Fatalf("last reset=%v want %v", m.LastReset(), now)
	}
	if f.records(t)["m"].LastReset != now.UnixMilli() {
		t.Fatalf("last reset not persisted")
	}
	if p := f.host.pending(); len(p) != 1 || p[0].delay != 10*time.Minute {
		t.Fatalf("pending=%+v", p)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.ResetNow(ctx, "m", false); err != nil {
		t.Fatalf("ResetNow async: %v", err)
	}
	if !m.LastReset().Equal(f.clock.Now()) {
		t.Fatalf("async reset did not run")
	}
}

func TestSpaceUnavailableLeavesMineDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryDelay: 45 * time.Second})
	ctx := context.Background()
	m, err := f.svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	last := m.LastReset()

	f.world.RemoveSpace("world")
	f.clock.Advance(10 * time.Minute)
	timer := f.host.pending()[0]
	timer.fn(ctx)

	if !m.LastReset().Equal(last) {
		t.Fatalf("last reset moved on a skipped occurrence")
	}
	p := f.host.pending()
	if len(p) != 1 || p[0].delay != 45*time.Second {
		t.Fatalf("retry not armed: %+v", p)
	}
	if f.records(t)["m"].LastReset != last.UnixMilli() {
		t.Fatalf("skipped occurrence persisted")
	}
}

func TestResetAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ResetAllRate: 1000, ResetAllBurst: 10})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.svc.Create(ctx, id, "world", mine.Point{}, mine.Point{}, nil); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	f.clock.Advance(time.Minute)

	n, err := f.svc.ResetAll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("ResetAll=%d,%v", n, err)
	}
	for _, m := range f.svc.List() {
		if !m.LastReset().Equal(f.clock.Now()) {
			t.Fatalf("%s not reset", m.ID())
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	f.svc.Apply(Config{ResetAllRate: 0.001, ResetAllBurst: 1})
	if _, err := f.svc.ResetAll(cctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func writeRecord(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadSkipsBadRecordsAndCatchesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	stale := f.clock.Now().Add(-10 * time.Minute).UnixMilli()
	fresh := f.clock.Now().Add(-30 * time.Second).UnixMilli()
	if err := f.store.Save(ctx, storage.Record{
		Name:          "overdue",
		Region:        storage.Region{World: "world", Pos1: "0,0,0", Pos2: "1,1,1"},
		ResetInterval: 60,
		LastReset:     stale,
		Composition:   map[string]float64{"STONE": 100},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.store.Save(ctx, storage.Record{
		Name:          "fresh",
		Region:        storage.Region{World: "world", Pos1: "0,0,0", Pos2: "1,1,1"},
		ResetInterval: 60,
		LastReset:     fresh,
		SpawnPoint:    "0.5,10,0.5,90,0",
		Composition:   map[string]float64{"STONE": 100, "not a kind": 5},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	writeRecord(t, f.dir, "broken.yml", "name: [unterminated\n")
	writeRecord(t, f.dir, "nopos.yml", "name: nopos\nregion:\n  world: world\n  pos1: 1,2\n  pos2: 0,0,0\n")

	res, err := f.svc.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 2 || res.Skipped != 2 || res.Armed != 2 {
		t.Fatalf("result=%+v", res)
	}

	over, err := f.svc.Get("overdue")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !over.LastReset().Equal(f.clock.Now()) {
		t.Fatalf("overdue mine not caught up: last=%v", over.LastReset())
	}
	fr, _ := f.svc.Get("fresh")
	if fr.LastReset().UnixMilli() != fresh {
		t.Fatalf("fresh mine was reset")
	}
	if _, ok := fr.Anchor(); !ok {
		t.Fatalf("spawn point not loaded")
	}

	delays := map[time.Duration]int{}
	for _, p := range f.host.pending() {
		delays[p.delay]++
	}
	if delays[60*time.Second] != 1 || delays[30*time.Second] != 1 {
		t.Fatalf("pending delays=%v", delays)
	}
}

func TestLoadFixesTimingOfLooseRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	writeRecord(t, f.dir, "loose.yml", "name: loose\nregion:\n  world: world\n  pos1: 0,0,0\n  pos2: 1,1,1\nreset-interval: 5\n")

	res, err := f.svc.Load(ctx)
	if err != nil || res.Loaded != 1 || res.Armed != 1 {
		t.Fatalf("Load=%+v,%v", res, err)
	}
	m, err := f.svc.Get("loose")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Interval() != 10*time.Minute {
		t.Fatalf("interval=%v want default", m.Interval())
	}
	if !m.LastReset().Equal(f.clock.Now()) {
		t.Fatalf("last=%v want load time", m.LastReset())
	}
	p := f.host.pending()
	if len(p) != 1 || p[0].delay != 10*time.Minute {
		t.Fatalf("pending=%+v, want one timer one interval out", p)
	}
}

func TestReloadReplacesLiveMines(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	old := f.host.pending()[0]

	rec := f.records(t)["m"]
	rec.ResetInterval = 120
	if err := f.store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := f.svc.Reload(ctx)
	if err != nil || res.Loaded != 1 {
		t.Fatalf("Reload=%+v,%v", res, err)
	}
	if !old.canceled {
		t.Fatalf("old timer survived reload")
	}
	m, _ := f.svc.Get("m")
	if m.Interval() != 2*time.Minute {
		t.Fatalf("interval=%v", m.Interval())
	}
}

func TestShutdownSavesAndDisarms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	m, err := f.svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.SetAnchor(mine.Location{X: 4, Y: 5, Z: 6})

	if err := f.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.svc.Controller().Armed("m") {
		t.Fatalf("still armed after shutdown")
	}
	if sp := f.records(t)["m"].SpawnPoint; sp == "" {
		t.Fatalf("anchor not saved")
	}

	space, at, err := f.svc.SafeLocation("m")
	if err != nil || space != "world" || at.X != 4 {
		t.Fatalf("SafeLocation=%s,%v,%v", space, at, err)
	}
}

func TestNoStore(t *testing.T) {
	t.Parallel()
	w := memworld.New("world")
	svc := New(Deps{Runner: reset.New(w, logx.Nop()), Host: &fakeHost{}, Spaces: w}, Config{})
	ctx := context.Background()
	if _, err := svc.Create(ctx, "m", "world", mine.Point{}, mine.Point{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res, err := svc.Load(ctx); err != nil || res.Loaded != 0 {
		t.Fatalf("Load=%+v,%v", res, err)
	}
	if n, err := svc.SaveAll(ctx); err != nil || n != 0 {
		t.Fatalf("SaveAll=%d,%v", n, err)
	}
	if _, err := svc.CreateFromSelection(ctx, "a", "x", nil); !errors.Is(err, world.ErrUnsupported) {
		t.Fatalf("err=%v want ErrUnsupported", err)
	}
}
