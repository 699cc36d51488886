// Package usagedb archives closed token budget days as zstd compressed
// JSON files, one per UTC day.
package usagedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/lkarlslund/poolrouter/pkg/budget"
)

const (
	fileSuffix       = ".json.zst"
	defaultRetention = 400 * 24 * time.Hour
	dayLayout        = "2006-01-02"
)

type Store struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
	now       func() time.Time
}

func New(dir string) *Store {
	return &Store{dir: dir, retention: defaultRetention, now: time.Now}
}

// ArchiveDay writes a closed day. Archiving the same day again replaces
// the earlier copy.
func (s *Store) ArchiveDay(day budget.DayUsage) error {
	if _, err := time.Parse(dayLayout, day.Day); err != nil {
		return fmt.Errorf("archive day %q: %w", day.Day, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(day)
	if err != nil {
		return err
	}
	final := s.pathFor(day.Day)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := enc.Write(b); err != nil {
		_ = enc.Close()
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}
	slog.Info("archived token usage day", "day", day.Day, "tokens", day.Global, "requests", day.Requests)
	s.pruneLocked()
	return nil
}

// History returns up to days archived days, newest first.
func (s *Store) History(days int) ([]budget.DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if days > 0 && len(names) > days {
		names = names[:days]
	}
	out := make([]budget.DayUsage, 0, len(names))
	for _, name := range names {
		d, err := readDay(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("skipping unreadable usage archive", "file", name, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Day reads one archived day.
func (s *Store) Day(day string) (budget.DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readDay(s.pathFor(day))
}

func (s *Store) pathFor(day string) string {
	return filepath.Join(s.dir, day+fileSuffix)
}

func (s *Store) listLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *Store) pruneLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().UTC().Add(-s.retention).Format(dayLayout)
	names, err := s.listLocked()
	if err != nil {
		return
	}
	for _, name := range names {
		if strings.TrimSuffix(name, fileSuffix) < cutoff {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}
}

func readDay(path string) (budget.DayUsage, error) {
	f, err := os.Open(path)
	if err != nil {
		return budget.DayUsage{}, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return budget.DayUsage{}, err
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		return budget.DayUsage{}, err
	}
	var d budget.DayUsage
	if err := json.Unmarshal(b, &d); err != nil {
		return budget.DayUsage{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return d, nil
}
