// Package logstore keeps a bounded, persisted ring of recent log lines for
// the control API.
package logstore

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/cache"
)

const (
	defaultMaxLines = 2000
	maxListLimit    = 5000
	saveInterval    = 2 * time.Second
)

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	// Level keeps entries at or above this severity. Empty or "all" keeps
	// everything.
	Level string
	Query string
	Limit int
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

type Store struct {
	mu       sync.RWMutex
	path     string
	maxLines int
	entries  []Entry
	seq      uint64
	dirty    bool
	lastSave time.Time
	now      func() time.Time
}

func NewStore(path string, maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	s := &Store{path: strings.TrimSpace(path), maxLines: maxLines, now: time.Now}
	if s.path != "" {
		var p persisted
		if err := cache.LoadJSON(s.path, &p); err == nil {
			s.entries = p.Entries
		}
	}
	s.pruneLocked()
	return s
}

func (s *Store) SetMaxLines(n int) {
	if n <= 0 {
		n = defaultMaxLines
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxLines = n
	s.pruneLocked()
	s.dirty = true
}

func (s *Store) Add(level, message string, ts time.Time) {
	message = strings.TrimSpace(stripANSI(message))
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()
	lvl := NormalizeLevel(level)
	if lvl == "" || lvl == "all" {
		lvl = "info"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries = append(s.entries, Entry{
		ID:        fmt.Sprintf("log-%d-%d", ts.UnixNano(), s.seq),
		Timestamp: ts,
		Level:     lvl,
		Message:   message,
	})
	s.pruneLocked()
	s.dirty = true
	s.saveLocked(false)
}

// List returns matching entries newest first.
func (s *Store) List(filter ListFilter) []Entry {
	level := NormalizeLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	limit = min(limit, maxListLimit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if level != "" && level != "all" && Rank(e.Level) < Rank(level) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.dirty = true
	s.saveLocked(true)
}

func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(true)
}

func (s *Store) pruneLocked() {
	if over := len(s.entries) - s.maxLines; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
}

func (s *Store) saveLocked(force bool) {
	if s.path == "" || !s.dirty {
		return
	}
	now := s.now()
	if !force && !s.lastSave.IsZero() && now.Sub(s.lastSave) < saveInterval {
		return
	}
	if err := cache.SaveJSON(s.path, persisted{Version: 1, Entries: s.entries}); err != nil {
		return
	}
	s.lastSave = now
	s.dirty = false
}

// Writer returns an io.Writer that splits its input into lines and stores
// each one with the level found in the line.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.store.Add(DetectLevel(line), extractMessage(line), time.Time{})
	}
	return len(p), nil
}

func NormalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "trac":
		return "trace"
	case "debug", "debu":
		return "debug"
	case "info", "inf":
		return "info"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all":
		return "all"
	default:
		return ""
	}
}

// Rank orders levels from trace (0) to fatal (5). Unknown levels rank -1.
func Rank(level string) int {
	switch NormalizeLevel(level) {
	case "trace":
		return 0
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	default:
		return -1
	}
}

// DetectLevel finds the level of a formatted log line in text, logfmt or
// JSON form. Lines without one are info.
func DetectLevel(line string) string {
	clean := stripANSI(line)
	lower := strings.ToLower(clean)
	if i := strings.Index(lower, `"level":"`); i >= 0 {
		rest := lower[i+len(`"level":"`):]
		if j := strings.IndexByte(rest, '"'); j >= 0 {
			if lvl := NormalizeLevel(rest[:j]); lvl != "" {
				return lvl
			}
		}
	}
	for _, f := range strings.Fields(clean) {
		f = strings.TrimPrefix(strings.ToLower(f), "level=")
		if lvl := NormalizeLevel(f); lvl != "" && lvl != "all" {
			return lvl
		}
	}
	return "info"
}

func extractMessage(line string) string {
	s := strings.TrimSpace(stripANSI(line))
	fields := strings.Fields(s)
	out := fields[:0:0]
	dropped := false
	for i, f := range fields {
		fl := strings.ToLower(f)
		switch {
		case strings.HasPrefix(fl, "time="), strings.HasPrefix(fl, "ts="), strings.HasPrefix(fl, "level="):
			continue
		case !dropped && i < 3 && (looksTimestamp(f) || (NormalizeLevel(f) != "" && NormalizeLevel(f) != "all")):
			if NormalizeLevel(f) != "" {
				dropped = true
			}
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return s
	}
	return strings.Join(out, " ")
}

func looksTimestamp(v string) bool {
	if len(v) < 8 || v[0] < '0' || v[0] > '9' {
		return false
	}
	return strings.ContainsAny(v, ":-/")
}

func stripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
