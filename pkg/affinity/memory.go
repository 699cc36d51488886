package affinity

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
)

const sweepBatch = 256

type binding struct {
	key        string
	accountID  string
	kind       string
	createdAt  time.Time
	lastAccess time.Time
	expiresAt  time.Time
	elem       *list.Element
}

// Binding is a read-only copy of a stored session binding.
type Binding struct {
	SessionKey   string    `json:"session_key"`
	AccountID    string    `json:"account_id"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*binding
	lru   *list.List

	pool     Selector
	ttl      time.Duration
	eviction Eviction
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryStore starts the background sweep when the eviction strategy is
// TimerEviction. Close stops it.
func NewMemoryStore(pool Selector, opts Options) *MemoryStore {
	s := &MemoryStore{
		items:    map[string]*binding{},
		lru:      list.New(),
		pool:     pool,
		ttl:      opts.TTL,
		eviction: opts.Eviction,
		now:      opts.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if t, ok := s.eviction.(TimerEviction); ok && t.Interval > 0 {
		go s.sweepLoop(t.Interval)
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryStore) GetOrBind(ctx context.Context, key, kind string, exclude map[string]struct{}) (accounts.Account, bool, error) {
	now := s.now()
	s.mu.Lock()
	id, hit := s.lookupLocked(key, kind, exclude, now)
	s.mu.Unlock()
	if hit {
		if acct, err := s.pool.Use(id); err == nil {
			return acct, true, nil
		}
	}

	acct, err := s.pool.Select(kind, exclude)
	if err != nil {
		return accounts.Account{}, false, err
	}
	return acct, false, nil
}

// lookupLocked returns the bound account id when the binding is live and
// its account can still serve kind.
func (s *MemoryStore) lookupLocked(key, kind string, exclude map[string]struct{}, now time.Time) (string, bool) {
	b, ok := s.items[key]
	if !ok || b.kind != kind || !now.Before(b.expiresAt) {
		return "", false
	}
	if excluded(exclude, b.accountID) || !s.pool.Eligible(b.accountID, kind) {
		return "", false
	}
	s.touchLocked(b, now)
	return b.accountID, true
}

func (s *MemoryStore) Bind(_ context.Context, key, accountID, kind string) error {
	s.bind(key, accountID, kind, s.now())
	return nil
}

func (s *MemoryStore) bind(key, accountID, kind string, now time.Time) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.items[key]; ok {
		if b.accountID != accountID || b.kind != kind {
			b.accountID = accountID
			b.kind = kind
			b.createdAt = now
		}
		s.touchLocked(b, now)
		return
	}
	b := &binding{
		key:        key,
		accountID:  accountID,
		kind:       kind,
		createdAt:  now,
		lastAccess: now,
		expiresAt:  now.Add(s.ttl),
	}
	b.elem = s.lru.PushFront(b)
	s.items[key] = b
	if m, ok := s.eviction.(MemoryEviction); ok && m.Threshold > 0 {
		for len(s.items) > m.Threshold {
			oldest := s.lru.Back()
			if oldest == nil {
				break
			}
			s.removeLocked(oldest.Value.(*binding))
		}
	}
}

func (s *MemoryStore) touchLocked(b *binding, now time.Time) {
	b.lastAccess = now
	b.expiresAt = now.Add(s.ttl)
	s.lru.MoveToFront(b.elem)
}

func (s *MemoryStore) removeLocked(b *binding) {
	s.lru.Remove(b.elem)
	delete(s.items, b.key)
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.items = map[string]*binding{}
	s.lru.Init()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len(context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStore) Bindings() []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Binding, 0, len(s.items))
	for e := s.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*binding)
		out = append(out, Binding{
			SessionKey:   b.key,
			AccountID:    b.accountID,
			Provider:     b.kind,
			CreatedAt:    b.createdAt,
			LastAccessAt: b.lastAccess,
			ExpiresAt:    b.expiresAt,
		})
	}
	return out
}

// Sweep removes bindings that expired at or before now. Expired keys are
// collected under the read lock and deleted in small batches so lookups
// are never blocked for long.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.RLock()
	var expired []string
	for key, b := range s.items {
		if !now.Before(b.expiresAt) {
			expired = append(expired, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for start := 0; start < len(expired); start += sweepBatch {
		end := min(start+sweepBatch, len(expired))
		s.mu.Lock()
		for _, key := range expired[start:end] {
			if b, ok := s.items[key]; ok && !now.Before(b.expiresAt) {
				s.removeLocked(b)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if n := s.Sweep(s.now()); n > 0 {
				slog.Debug("swept expired session bindings", "removed", n)
			}
		}
	}
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
