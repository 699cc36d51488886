package proxy

import (
	"context"
	"testing"
	"time"
)

func TestFeedReplaysLatestSnapshotFirst(t *testing.T) {
	f := NewStatusFeed()
	f.Publish(Event{Type: EventProxyStatus, Data: "old"})
	f.Publish(Event{Type: EventStats, Data: 1})
	f.Publish(Event{Type: EventProxyStatus, Data: "new"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.Subscribe(ctx)

	first := <-ch
	second := <-ch
	if first.Type != EventProxyStatus || first.Data != "new" {
		t.Fatalf("expected latest status first, got %+v", first)
	}
	if second.Type != EventStats {
		t.Fatalf("expected stats snapshot second, got %+v", second)
	}
}

func TestFeedDropsOldestForSlowSubscriber(t *testing.T) {
	f := NewStatusFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.Subscribe(ctx)

	for i := 0; i < feedBuffer+5; i++ {
		f.Publish(Event{Type: EventStats, Data: i})
	}
	got := make([]int, 0, feedBuffer)
	for len(got) < feedBuffer {
		got = append(got, (<-ch).Data.(int))
	}
	if got[0] != 5 || got[len(got)-1] != feedBuffer+4 {
		t.Fatalf("expected the newest %d events, got %v", feedBuffer, got)
	}
}

func TestFeedClosesOnContextDone(t *testing.T) {
	f := NewStatusFeed()
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx)
	if f.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", f.Len())
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected channel to close after cancel")
	}
	if f.Len() != 0 {
		t.Fatalf("expected subscriber removed, got %d", f.Len())
	}
	f.Publish(Event{Type: EventStats})
}
