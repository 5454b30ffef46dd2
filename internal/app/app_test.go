package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"minekeeper/internal/config"
	"minekeeper/internal/mine"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "minekeeper.yaml")
	body := `logging:
  level: error
  console: false
storage:
  driver: file
  path: ` + filepath.Join(dir, "mines") + `
schedule:
  autosave: "interval:1h"
worlds: [world]
` + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestMinesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	ctx := context.Background()

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := a.Mines().Create(ctx, "coal", "world", mine.Point{}, mine.Point{X: 3, Y: 3, Z: 3}, mine.Recipe{"COAL_ORE": 40, "STONE": 60}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Mines().SetInterval(ctx, "coal", 120); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if !a.jobs.Has(autosaveJob) {
		t.Fatalf("autosave job not registered")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	b, err := New(path)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start (restart): %v", err)
	}
	defer b.Stop(stopCtx, StopAppStop)

	m, err := b.Mines().Get("coal")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if m.Interval() != 2*time.Minute {
		t.Fatalf("interval = %v, want 2m", m.Interval())
	}
	if got := m.Recipe()["COAL_ORE"]; got != 40 {
		t.Fatalf("COAL_ORE weight = %v, want 40", got)
	}
	if !b.Mines().Controller().Armed("coal") {
		t.Fatalf("mine not armed after restart")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{"bad kind", "mines:\n  allowed_kinds: [\"not a kind\"]\n", "allowed_kinds"},
		{"unknown field", "bogus: 1\n", "bogus"},
		{"valid", "mines:\n  default_interval: 300\n", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, t.TempDir(), tc.extra)
			_, err := New(path)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("New: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("New err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestApplyConfigAddsWorldsAndAutosave(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, ""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(ctx, StopAppStop)

	old := a.cfgm.Get()
	next := *old
	next.Worlds = []string{"world", "mining"}
	next.Schedule.Autosave = ""
	a.applyConfig(old, &next)

	if _, ok := a.World().Lookup("mining"); !ok {
		t.Fatalf("space mining not added")
	}
	if a.jobs.Has(autosaveJob) {
		t.Fatalf("autosave job still registered")
	}
	if _, err := a.Mines().Create(ctx, "deep", "mining", mine.Point{}, mine.Point{X: 1, Y: 1, Z: 1}, nil); err != nil {
		t.Fatalf("Create in new space: %v", err)
	}
}

func TestValidateAutosave(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode("x.yaml", []byte("schedule:\n  autosave: \"interval:-1m\"\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "schedule.autosave") {
		t.Fatalf("validate err = %v", err)
	}
}

func TestStatusAndSaveNow(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, ""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(ctx, StopAppStop)

	if _, err := a.Mines().Create(ctx, "iron", "world", mine.Point{}, mine.Point{X: 1, Y: 1, Z: 1}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st := a.Status()
	if st.Mines.Total != 1 || st.Mines.TotalCells != 8 {
		t.Fatalf("mines=%+v", st.Mines)
	}
	if st.Lanes.Lanes == 0 || st.Lanes.Timers < 1 {
		t.Fatalf("lanes=%+v", st.Lanes)
	}
	jobs := map[string]bool{}
	for _, j := range st.Jobs.Jobs {
		jobs[j.Name] = true
	}
	if !st.Jobs.Running || !jobs[autosaveJob] || !jobs[statusJob] {
		t.Fatalf("jobs=%+v", st.Jobs)
	}
	if st.Goroutines.Active == 0 {
		t.Fatalf("no supervised goroutines: %+v", st.Goroutines)
	}
	if err := a.reportStatus(ctx); err != nil {
		t.Fatalf("reportStatus: %v", err)
	}

	// Without autosave SaveNow writes synchronously.
	if err := a.applyAutosave(""); err != nil {
		t.Fatalf("applyAutosave: %v", err)
	}
	rec := filepath.Join(dir, "mines", "iron.yml")
	if err := os.Remove(rec); err != nil {
		t.Fatalf("remove record: %v", err)
	}
	if err := a.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if _, err := os.Stat(rec); err != nil {
		t.Fatalf("record not rewritten: %v", err)
	}
}
