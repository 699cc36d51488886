package logstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStorePersistsAndRetainsMaxLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.json")
	s := NewStore(path, 3)
	s.Add("info", "one", time.Unix(1, 0))
	s.Add("warn", "two", time.Unix(2, 0))
	s.Add("error", "three", time.Unix(3, 0))
	s.Add("debug", "four", time.Unix(4, 0))
	s.Flush()

	out := NewStore(path, 3)
	entries := out.List(ListFilter{Level: "all", Limit: 10})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[1].Message != "three" || entries[2].Message != "two" {
		t.Fatalf("unexpected order/messages: %+v", entries)
	}
}

func TestWriterParsesLevelsAndFilters(t *testing.T) {
	s := NewStore("", 100)
	w := s.Writer()
	_, _ = w.Write([]byte("2026-01-01T00:00:00Z DEBUG hello\n"))
	_, _ = w.Write([]byte("2026/01/01 00:00:01 INFO world account=a1\n2026/01/01 00:00:02 WARN upstream"))
	_, _ = w.Write([]byte(" slow\n"))
	_, _ = w.Write([]byte(`{"level":"error","msg":"boom"}` + "\n"))

	if got := s.Len(); got != 4 {
		t.Fatalf("expected 4 entries, got %d", got)
	}
	warnUp := s.List(ListFilter{Level: "warn", Limit: 10})
	if len(warnUp) != 2 {
		t.Fatalf("expected warn and error entries, got %+v", warnUp)
	}
	if warnUp[1].Message != "upstream slow" {
		t.Fatalf("expected split line to be joined, got %q", warnUp[1].Message)
	}
	query := s.List(ListFilter{Query: "WORLD"})
	if len(query) != 1 || query[0].Message != "world account=a1" || query[0].Level != "info" {
		t.Fatalf("unexpected query result %+v", query)
	}
}

func TestDetectLevel(t *testing.T) {
	cases := map[string]string{
		"time=2026-01-01T00:00:00Z level=WARN msg=x": "warn",
		"\x1b[31mERRO\x1b[0m failed":                  "error",
		`{"time":"x","level":"debug"}`:               "debug",
		"plain line":                                 "info",
	}
	for line, want := range cases {
		if got := DetectLevel(line); got != want {
			t.Fatalf("DetectLevel(%q): expected %s, got %s", line, want, got)
		}
	}
}

func TestClearRemovesEntries(t *testing.T) {
	s := NewStore("", 100)
	s.Add("info", "hello", time.Now().UTC())
	if got := len(s.List(ListFilter{Level: "all", Limit: 10})); got != 1 {
		t.Fatalf("expected 1 entry before clear, got %d", got)
	}
	s.Clear()
	if got := len(s.List(ListFilter{Level: "all", Limit: 10})); got != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", got)
	}
}

func TestSetMaxLinesPrunes(t *testing.T) {
	s := NewStore("", 10)
	for i := 0; i < 5; i++ {
		s.Add("info", "line", time.Time{})
	}
	s.SetMaxLines(2)
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
}
