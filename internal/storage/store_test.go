package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "minekeeper/pkg/logx"
)

func sampleRecord(name string) Record {
	return Record{
		Name:          name,
		Region:        Region{World: "world", Pos1: "0,60,0", Pos2: "10,70,10"},
		ResetInterval: 600,
		LastReset:     1767225600000,
		SpawnPoint:    "5,72,5,90,0",
		Composition:   map[string]float64{"STONE": 70, "IRON_ORE": 30},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	for _, n := range []string{"beta", "alpha"} {
		if err := s.Save(ctx, sampleRecord(n)); err != nil {
			t.Fatalf("Save(%s): %v", n, err)
		}
	}
	updated := sampleRecord("alpha")
	updated.ResetInterval = 45
	updated.Composition = map[string]float64{"GRAVEL": 100}
	if err := s.Save(ctx, updated); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	got, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	byName := map[string]Record{}
	for _, l := range got {
		if l.Err != nil {
			t.Fatalf("unexpected malformed record %s: %v", l.Source, l.Err)
		}
		byName[l.Record.Name] = l.Record
	}
	a, ok := byName["alpha"]
	if !ok || len(byName) != 2 {
		t.Fatalf("records: %v", byName)
	}
	if a.ResetInterval != 45 || a.Composition["GRAVEL"] != 100 || len(a.Composition) != 1 {
		t.Fatalf("alpha not updated: %+v", a)
	}
	if b := byName["beta"]; b.Region != sampleRecord("beta").Region || b.LastReset != 1767225600000 || b.SpawnPoint != "5,72,5,90,0" {
		t.Fatalf("beta: %+v", b)
	}

	if err := s.Delete(ctx, "beta"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "beta"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	got, _ = s.LoadAll(ctx)
	if len(got) != 1 || got[0].Record.Name != "alpha" {
		t.Fatalf("after delete: %+v", got)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(context.Background(), Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)

	if _, err := os.Stat(filepath.Join(dir, "alpha.yml")); err != nil {
		t.Fatalf("expected alpha.yml: %v", err)
	}
}

func TestFileStoreMalformedRecordIsContained(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(context.Background(), Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(context.Background(), sampleRecord("good")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("region: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	legacy := "region:\n  world: world\n  pos1: 1,2,3\n  pos2: 4,5,6\ncomposition:\n  STONE: 100\n"
	if err := os.WriteFile(filepath.Join(dir, "legacy.yaml"), []byte(legacy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("records: got %d want 3", len(got))
	}
	var bad, ok int
	for _, l := range got {
		if l.Err != nil {
			if !errors.Is(l.Err, ErrConfiguration) || l.Source != "broken.yml" {
				t.Fatalf("malformed entry: %+v", l)
			}
			bad++
			continue
		}
		ok++
		if l.Source == "legacy.yaml" && l.Record.Name != "legacy" {
			t.Fatalf("name should default to file stem: %q", l.Record.Name)
		}
	}
	if bad != 1 || ok != 2 {
		t.Fatalf("bad=%d ok=%d", bad, ok)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mines.db")
	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MINEKEEPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MINEKEEPER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	for _, n := range []string{"alpha", "beta"} {
		_ = s.Delete(ctx, n)
	}
	exerciseStore(t, s)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		s, err := Open(context.Background(), Config{Driver: d}, logx.Nop())
		if s != nil || err != nil {
			t.Fatalf("Open(%q): store=%v err=%v", d, s, err)
		}
	}
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver: expected error")
	}
}

func TestValidName(t *testing.T) {
	t.Parallel()

	for _, n := range []string{"a", "main_mine", "Mine-2"} {
		if err := ValidName(n); err != nil {
			t.Fatalf("ValidName(%q): %v", n, err)
		}
	}
	for _, n := range []string{"", "../x", "a/b", ".hidden", "a:b"} {
		if err := ValidName(n); err == nil {
			t.Fatalf("ValidName(%q): expected error", n)
		}
	}
}
