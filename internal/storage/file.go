package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	logx "minekeeper/pkg/logx"
)

const defaultMinesDir = "./data/mines"

// fileStore keeps one YAML document per mine: <dir>/<name>.yml.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = defaultMinesDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	log.Info("file store opened", logx.String("dir", dir))
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) path(name string) string {
	return filepath.Join(s.dir, name+".yml")
}

func (s *fileStore) LoadAll(ctx context.Context) ([]Loaded, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yml", ".yaml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Loaded, 0, len(names))
	for _, fn := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		b, err := os.ReadFile(filepath.Join(s.dir, fn))
		if err != nil {
			out = append(out, malformed(fn, err))
			continue
		}
		var r Record
		if err := yaml.Unmarshal(b, &r); err != nil {
			out = append(out, malformed(fn, err))
			continue
		}
		if strings.TrimSpace(r.Name) == "" {
			r.Name = strings.TrimSuffix(fn, filepath.Ext(fn))
		}
		out = append(out, Loaded{Source: fn, Record: r})
	}
	return out, nil
}

func (s *fileStore) Save(ctx context.Context, r Record) error {
	if err := ValidName(r.Name); err != nil {
		return err
	}
	b, err := yaml.Marshal(&r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.path(r.Name)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) Close() error { return nil }
