package usagedb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/budget"
)

func TestArchiveAndHistory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "usage")
	s := New(dir)
	s.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }

	for i, day := range []string{"2026-03-07", "2026-03-09", "2026-03-08"} {
		if err := s.ArchiveDay(budget.DayUsage{Day: day, Global: int64(100 * (i + 1)), Requests: 1, Accounts: map[string]int64{"a": int64(100 * (i + 1))}}); err != nil {
			t.Fatalf("archive %s: %v", day, err)
		}
	}
	hist, err := s.History(2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Day != "2026-03-09" || hist[1].Day != "2026-03-08" {
		t.Fatalf("expected newest two days, got %+v", hist)
	}
	if hist[0].Global != 200 || hist[0].Accounts["a"] != 200 {
		t.Fatalf("unexpected archived totals %+v", hist[0])
	}
}

func TestArchiveReplacesSameDay(t *testing.T) {
	s := New(t.TempDir())
	_ = s.ArchiveDay(budget.DayUsage{Day: "2026-03-09", Global: 1})
	if err := s.ArchiveDay(budget.DayUsage{Day: "2026-03-09", Global: 7}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	d, err := s.Day("2026-03-09")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if d.Global != 7 {
		t.Fatalf("expected replacement, got %d", d.Global)
	}
}

func TestArchiveRejectsBadDay(t *testing.T) {
	s := New(t.TempDir())
	if err := s.ArchiveDay(budget.DayUsage{Day: "../x"}); err == nil {
		t.Fatalf("expected invalid day error")
	}
}

func TestPruneDropsOldDays(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.retention = 48 * time.Hour
	s.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	_ = s.ArchiveDay(budget.DayUsage{Day: "2026-03-01"})
	_ = s.ArchiveDay(budget.DayUsage{Day: "2026-03-09"})
	if _, err := os.Stat(filepath.Join(dir, "2026-03-01"+fileSuffix)); !os.IsNotExist(err) {
		t.Fatalf("expected old day pruned, got %v", err)
	}
	hist, _ := s.History(0)
	if len(hist) != 1 {
		t.Fatalf("expected one remaining day, got %d", len(hist))
	}
}

func TestHistoryEmptyDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"))
	hist, err := s.History(7)
	if err != nil || len(hist) != 0 {
		t.Fatalf("expected empty history, got %v %v", hist, err)
	}
}

func TestEnforcerArchivesIntoStore(t *testing.T) {
	s := New(t.TempDir())
	now := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	e := budget.New(budget.Options{Now: func() time.Time { return now }, Archiver: s})
	e.Record("a", 42)
	e.Rollover(now.Add(2 * time.Minute))
	d, err := s.Day("2026-03-09")
	if err != nil {
		t.Fatalf("expected archived day: %v", err)
	}
	if d.Global != 42 || d.Accounts["a"] != 42 {
		t.Fatalf("unexpected archive %+v", d)
	}
}
