// Package stats keeps the live request and token counters behind the
// dashboard and the status feed.
package stats

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/cache"
)

const (
	bucketSize      = time.Minute
	persistInterval = 5 * time.Second
	retention       = 7 * 24 * time.Hour
)

// Event is one finished dispatch, successful or not.
type Event struct {
	Timestamp        time.Time
	Provider         string
	Model            string
	AccountID        string
	StatusCode       int
	Failed           bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Latency          time.Duration
}

type Bucket struct {
	StartAt          time.Time `json:"start_at"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	AccountID        string    `json:"account_id,omitempty"`
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	LatencyMSSum     int64     `json:"latency_ms_sum"`
}

type Summary struct {
	PeriodSeconds       int64            `json:"period_seconds"`
	Requests            int64            `json:"requests"`
	Failures            int64            `json:"failures"`
	PromptTokens        int64            `json:"prompt_tokens"`
	CompletionTokens    int64            `json:"completion_tokens"`
	TotalTokens         int64            `json:"total_tokens"`
	AvgLatencyMS        float64          `json:"avg_latency_ms"`
	RequestsPerProvider map[string]int64 `json:"requests_per_provider"`
	RequestsPerModel    map[string]int64 `json:"requests_per_model"`
	RequestsPerAccount  map[string]int64 `json:"requests_per_account"`
	Buckets             []Bucket         `json:"buckets,omitempty"`
}

// Totals are lifetime counters since the stats file was created.
type Totals struct {
	Requests          int64 `json:"total_requests"`
	Tokens            int64 `json:"total_tokens"`
	Failures          int64 `json:"total_failures"`
	RequestsPerMinute int64 `json:"requests_per_minute"`
}

type statsFile struct {
	Version  int      `json:"version"`
	Requests int64    `json:"requests"`
	Tokens   int64    `json:"tokens"`
	Failures int64    `json:"failures"`
	Buckets  []Bucket `json:"buckets"`
}

type Store struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	maxKeep  int
	path     string
	dirty    bool
	lastSave time.Time
	now      func() time.Time

	requests atomic.Int64
	tokens   atomic.Int64
	failures atomic.Int64
	version  atomic.Uint64
}

func NewStore(maxKeep int) *Store {
	return newStore(maxKeep, "", time.Now)
}

// NewPersistentStore reloads counters from path and saves them back at most
// every five seconds.
func NewPersistentStore(maxKeep int, path string) *Store {
	return newStore(maxKeep, path, time.Now)
}

func newStore(maxKeep int, path string, now func() time.Time) *Store {
	if maxKeep <= 0 {
		maxKeep = 20000
	}
	s := &Store{
		buckets: map[string]*Bucket{},
		maxKeep: maxKeep,
		path:    strings.TrimSpace(path),
		now:     now,
	}
	if s.path != "" {
		s.load()
	}
	return s
}

func (s *Store) Add(evt Event) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	total := evt.TotalTokens
	if total == 0 {
		total = evt.PromptTokens + evt.CompletionTokens
	}
	s.requests.Add(1)
	s.tokens.Add(total)
	if evt.Failed {
		s.failures.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := ts.UTC().Truncate(bucketSize)
	key := bucketKey(start, evt.Provider, evt.Model, evt.AccountID)
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{StartAt: start, Provider: evt.Provider, Model: evt.Model, AccountID: evt.AccountID}
		s.buckets[key] = b
	}
	b.Requests++
	if evt.Failed {
		b.Failures++
	}
	b.PromptTokens += evt.PromptTokens
	b.CompletionTokens += evt.CompletionTokens
	b.TotalTokens += total
	b.LatencyMSSum += evt.Latency.Milliseconds()
	s.pruneLocked()
	s.dirty = true
	s.version.Add(1)
	if s.path != "" && s.now().Sub(s.lastSave) >= persistInterval {
		s.saveLocked()
	}
}

// Version changes whenever an event is added. The status feed uses it to
// skip unchanged snapshots.
func (s *Store) Version() uint64 { return s.version.Load() }

func (s *Store) Totals() Totals {
	return Totals{
		Requests:          s.requests.Load(),
		Tokens:            s.tokens.Load(),
		Failures:          s.failures.Load(),
		RequestsPerMinute: s.RequestsPerMinute(),
	}
}

// RequestsPerMinute counts requests in the trailing sixty seconds,
// weighting the oldest bucket by how much of it is still in the window.
func (s *Store) RequestsPerMinute() int64 {
	now := s.now().UTC()
	current := now.Truncate(bucketSize)
	previous := current.Add(-bucketSize)
	frac := 1 - float64(now.Sub(current))/float64(bucketSize)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cur, prev int64
	for _, b := range s.buckets {
		switch {
		case b.StartAt.Equal(current):
			cur += b.Requests
		case b.StartAt.Equal(previous):
			prev += b.Requests
		}
	}
	return cur + int64(float64(prev)*frac+0.5)
}

func (s *Store) Summary(period time.Duration) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-period)
	sum := Summary{
		PeriodSeconds:       int64(period.Seconds()),
		RequestsPerProvider: map[string]int64{},
		RequestsPerModel:    map[string]int64{},
		RequestsPerAccount:  map[string]int64{},
	}
	var latency int64
	for _, b := range s.buckets {
		if b.StartAt.Add(bucketSize).Before(cutoff) {
			continue
		}
		sum.Requests += b.Requests
		sum.Failures += b.Failures
		sum.PromptTokens += b.PromptTokens
		sum.CompletionTokens += b.CompletionTokens
		sum.TotalTokens += b.TotalTokens
		latency += b.LatencyMSSum
		sum.RequestsPerProvider[b.Provider] += b.Requests
		sum.RequestsPerModel[b.Model] += b.Requests
		if b.AccountID != "" {
			sum.RequestsPerAccount[b.AccountID] += b.Requests
		}
		sum.Buckets = append(sum.Buckets, *b)
	}
	sort.Slice(sum.Buckets, func(i, j int) bool {
		a, b := sum.Buckets[i], sum.Buckets[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		return bucketKey(a.StartAt, a.Provider, a.Model, a.AccountID) < bucketKey(b.StartAt, b.Provider, b.Model, b.AccountID)
	})
	if sum.Requests > 0 {
		sum.AvgLatencyMS = float64(latency) / float64(sum.Requests)
	}
	return sum
}

// Flush writes pending counters to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

func bucketKey(start time.Time, provider, model, account string) string {
	return start.Format(time.RFC3339) + "|" + provider + "|" + model + "|" + account
}

func (s *Store) pruneLocked() {
	cutoff := s.now().Add(-retention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return s.buckets[keys[i]].StartAt.Before(s.buckets[keys[j]].StartAt) })
	for _, k := range keys[:len(keys)-s.maxKeep] {
		delete(s.buckets, k)
	}
}

func (s *Store) load() {
	var payload statsFile
	if err := cache.LoadJSON(s.path, &payload); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			slog.Warn("ignoring unreadable stats file", "path", s.path, "error", err)
		}
		return
	}
	if payload.Version != 1 {
		return
	}
	s.requests.Store(payload.Requests)
	s.tokens.Store(payload.Tokens)
	s.failures.Store(payload.Failures)
	for _, b := range payload.Buckets {
		c := b
		s.buckets[bucketKey(c.StartAt, c.Provider, c.Model, c.AccountID)] = &c
	}
	s.pruneLocked()
}

func (s *Store) saveLocked() {
	if s.path == "" || !s.dirty {
		return
	}
	out := statsFile{
		Version:  1,
		Requests: s.requests.Load(),
		Tokens:   s.tokens.Load(),
		Failures: s.failures.Load(),
		Buckets:  make([]Bucket, 0, len(s.buckets)),
	}
	for _, b := range s.buckets {
		out.Buckets = append(out.Buckets, *b)
	}
	sort.Slice(out.Buckets, func(i, j int) bool { return out.Buckets[i].StartAt.Before(out.Buckets[j].StartAt) })
	if err := cache.SaveJSON(s.path, out); err != nil {
		slog.Warn("failed to save stats", "path", s.path, "error", err)
		return
	}
	s.lastSave = s.now()
	s.dirty = false
}
