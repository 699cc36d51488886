package stats

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreAggregatesIntoMinuteBuckets(t *testing.T) {
	base := time.Date(2026, 2, 23, 20, 0, 10, 0, time.UTC)
	s := newStore(100, "", func() time.Time { return base.Add(90 * time.Second) })
	s.Add(Event{Timestamp: base, Provider: "claude", Model: "claude-x", AccountID: "a", PromptTokens: 100, CompletionTokens: 40, Latency: 500 * time.Millisecond})
	s.Add(Event{Timestamp: base.Add(20 * time.Second), Provider: "claude", Model: "claude-x", AccountID: "a", PromptTokens: 50, CompletionTokens: 20, TotalTokens: 70, Latency: 250 * time.Millisecond})
	s.Add(Event{Timestamp: base.Add(70 * time.Second), Provider: "openai", Model: "gpt-4o", Failed: true})

	sum := s.Summary(time.Hour)
	if sum.Requests != 3 || sum.Failures != 1 {
		t.Fatalf("expected 3 requests and 1 failure, got %d/%d", sum.Requests, sum.Failures)
	}
	if sum.TotalTokens != 210 {
		t.Fatalf("expected 210 tokens, got %d", sum.TotalTokens)
	}
	if len(sum.Buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(sum.Buckets))
	}
	if got := sum.RequestsPerAccount["a"]; got != 2 {
		t.Fatalf("expected 2 requests for account a, got %d", got)
	}
	totals := s.Totals()
	if totals.Requests != 3 || totals.Tokens != 210 || totals.Failures != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestRequestsPerMinuteWeightsPreviousBucket(t *testing.T) {
	now := time.Date(2026, 2, 23, 20, 1, 30, 0, time.UTC)
	s := newStore(100, "", func() time.Time { return now })
	for i := 0; i < 10; i++ {
		s.Add(Event{Timestamp: now.Add(-time.Minute), Provider: "claude", Model: "m"})
	}
	for i := 0; i < 4; i++ {
		s.Add(Event{Timestamp: now, Provider: "claude", Model: "m"})
	}
	if got := s.RequestsPerMinute(); got != 9 {
		t.Fatalf("expected 4 + half of 10, got %d", got)
	}
}

func TestPersistentStoreReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s := NewPersistentStore(100, path)
	s.Add(Event{Timestamp: time.Now().Add(-3 * time.Minute), Provider: "claude", Model: "m", TotalTokens: 15})
	s.Flush()

	reloaded := NewPersistentStore(100, path)
	if got := reloaded.Totals(); got.Requests != 1 || got.Tokens != 15 {
		t.Fatalf("expected reloaded totals 1/15, got %+v", got)
	}
	if got := reloaded.Summary(time.Hour).Requests; got != 1 {
		t.Fatalf("expected 1 request in summary, got %d", got)
	}
}

func TestVersionChangesOnAdd(t *testing.T) {
	s := NewStore(10)
	v := s.Version()
	s.Add(Event{Provider: "claude", Model: "m"})
	if s.Version() == v {
		t.Fatalf("expected version to change")
	}
}
