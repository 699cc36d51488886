package proxy

import (
	"context"
	"sync"
)

const (
	EventProxyStatus = "proxy_status_update"
	EventStats       = "stats_update"

	feedBuffer = 16
)

type Event struct {
	Type string `json:"event_type"`
	Data any    `json:"data"`
}

// StatusFeed fans status and stats snapshots out to subscribers. Each new
// subscriber first receives the latest snapshot of every event type.
type StatusFeed struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	latest map[string]Event
	order  []string
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{
		subs:   map[chan Event]struct{}{},
		latest: map[string]Event{},
	}
}

// Subscribe returns a channel of events that is closed when ctx is done.
func (f *StatusFeed) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, feedBuffer)
	f.mu.Lock()
	for _, typ := range f.order {
		ch <- f.latest[typ]
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// Publish records ev as the latest of its type and delivers it to every
// subscriber. A full subscriber loses its oldest queued event.
func (f *StatusFeed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.latest[ev.Type]; !ok {
		f.order = append(f.order, ev.Type)
	}
	f.latest[ev.Type] = ev
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (f *StatusFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
