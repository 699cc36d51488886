// Package budget enforces per account and global daily token limits.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/cache"
	"github.com/lkarlslund/poolrouter/pkg/config"
)

const dayLayout = "2006-01-02"

var (
	ErrRequestTooLarge    = errors.New("request exceeds max tokens per request")
	ErrDailyLimitExceeded = errors.New("daily token limit exceeded")
)

// DeniedError is returned by Reserve. Reason is one of ErrRequestTooLarge
// or ErrDailyLimitExceeded.
type DeniedError struct {
	AccountID string
	Reason    error
	Requested int64
	Limit     int64
	Used      int64
}

func (e *DeniedError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("%v (requested %d, limit %d)", e.Reason, e.Requested, e.Limit)
	}
	return fmt.Sprintf("account %s: %v (requested %d, used %d, limit %d)", e.AccountID, e.Reason, e.Requested, e.Used, e.Limit)
}

func (e *DeniedError) Unwrap() error { return e.Reason }

func IsRequestTooLarge(err error) bool { return errors.Is(err, ErrRequestTooLarge) }

type Limits struct {
	Enabled       bool
	DailyLimit    int64
	MaxPerRequest int64
}

func LimitsFromConfig(c config.TokenManagerConfig) Limits {
	return Limits{Enabled: c.Enabled, DailyLimit: c.DailyLimit, MaxPerRequest: c.MaxTokensPerRequest}
}

// DayUsage is a closed or in-progress day as reported to callers.
type DayUsage struct {
	Day      string           `json:"day"`
	Global   int64            `json:"global"`
	Requests int64            `json:"requests"`
	Pending  int64            `json:"pending,omitempty"`
	Accounts map[string]int64 `json:"accounts"`
}

// Archiver receives each day once no reservation against it is outstanding.
type Archiver interface {
	ArchiveDay(DayUsage) error
}

type accountUsage struct {
	mu       sync.Mutex
	consumed int64
	pending  int64
}

type ledger struct {
	day      string
	mu       sync.RWMutex
	accounts map[string]*accountUsage
	global   atomic.Int64
	requests atomic.Int64
	inflight atomic.Int64
	closed   atomic.Bool
	archive  sync.Once
}

func newLedger(day string) *ledger {
	return &ledger{day: day, accounts: map[string]*accountUsage{}}
}

func (l *ledger) account(id string) *accountUsage {
	l.mu.RLock()
	u, ok := l.accounts[id]
	l.mu.RUnlock()
	if ok {
		return u
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok = l.accounts[id]; ok {
		return u
	}
	u = &accountUsage{}
	l.accounts[id] = u
	return u
}

func (l *ledger) snapshot() DayUsage {
	out := DayUsage{
		Day:      l.day,
		Global:   l.global.Load(),
		Requests: l.requests.Load(),
		Accounts: map[string]int64{},
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, u := range l.accounts {
		u.mu.Lock()
		out.Accounts[id] = u.consumed
		out.Pending += u.pending
		u.mu.Unlock()
	}
	return out
}

// Reservation is a granted hold on estimated tokens. It must be finished
// with exactly one Commit or Release; extra calls are ignored.
type Reservation struct {
	AccountID string
	Estimated int64
	ledger    *ledger
	done      atomic.Bool
}

func (r *Reservation) Day() string { return r.ledger.day }

type Options struct {
	Limits   Limits
	Now      func() time.Time
	Archiver Archiver
	// Path persists the current day so a restart keeps today's counters.
	Path string
}

type Enforcer struct {
	current  atomic.Pointer[ledger]
	limits   atomic.Pointer[Limits]
	now      func() time.Time
	archiver Archiver
	path     string
	dirty    atomic.Bool
}

func New(opts Options) *Enforcer {
	e := &Enforcer{now: opts.Now, archiver: opts.Archiver, path: opts.Path}
	if e.now == nil {
		e.now = time.Now
	}
	lim := opts.Limits
	e.limits.Store(&lim)
	today := e.now().UTC().Format(dayLayout)
	l := newLedger(today)
	if e.path != "" {
		var saved DayUsage
		err := cache.LoadJSON(e.path, &saved)
		switch {
		case err == nil && saved.Day == today:
			for id, n := range saved.Accounts {
				l.account(id).consumed = n
			}
			l.global.Store(saved.Global)
			l.requests.Store(saved.Requests)
		case err == nil && saved.Day < today && saved.Day != "":
			e.archive(saved)
		case err != nil && !errors.Is(err, cache.ErrNotFound):
			slog.Warn("failed to load budget ledger", "path", e.path, "error", err)
		}
	}
	e.current.Store(l)
	return e
}

func (e *Enforcer) SetLimits(l Limits) {
	e.limits.Store(&l)
}

func (e *Enforcer) Limits() Limits {
	return *e.limits.Load()
}

// CheckRequestSize denies a request whose estimate exceeds the per request
// cap. The outcome does not depend on the account.
func (e *Enforcer) CheckRequestSize(estimated int64) error {
	return checkSize(e.Limits(), "", estimated)
}

func checkSize(lim Limits, accountID string, estimated int64) error {
	if lim.Enabled && lim.MaxPerRequest > 0 && estimated > lim.MaxPerRequest {
		return &DeniedError{AccountID: accountID, Reason: ErrRequestTooLarge, Requested: estimated, Limit: lim.MaxPerRequest}
	}
	return nil
}

// Reserve grants or denies a hold of estimated tokens for accountID.
func (e *Enforcer) Reserve(accountID string, estimated int64) (*Reservation, error) {
	if estimated < 0 {
		estimated = 0
	}
	lim := e.Limits()
	if err := checkSize(lim, accountID, estimated); err != nil {
		return nil, err
	}
	l := e.acquire()
	u := l.account(accountID)
	u.mu.Lock()
	if lim.Enabled && lim.DailyLimit > 0 {
		used := u.consumed + u.pending
		if used >= lim.DailyLimit || used+estimated > lim.DailyLimit {
			u.mu.Unlock()
			e.finish(l)
			return nil, &DeniedError{AccountID: accountID, Reason: ErrDailyLimitExceeded, Requested: estimated, Limit: lim.DailyLimit, Used: used}
		}
	}
	u.pending += estimated
	u.mu.Unlock()
	return &Reservation{AccountID: accountID, Estimated: estimated, ledger: l}, nil
}

// acquire returns the current ledger with one in-flight hold registered on
// it. A ledger closed by a concurrent rollover is never handed out.
func (e *Enforcer) acquire() *ledger {
	for {
		l := e.ledgerFor(e.now())
		l.inflight.Add(1)
		if !l.closed.Load() {
			return l
		}
		e.finish(l)
	}
}

// Commit records actual usage against the day the reservation was taken in.
func (e *Enforcer) Commit(r *Reservation, actual int64) {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return
	}
	if actual < 0 {
		actual = 0
	}
	u := r.ledger.account(r.AccountID)
	u.mu.Lock()
	u.pending -= r.Estimated
	u.consumed += actual
	u.mu.Unlock()
	r.ledger.global.Add(actual)
	r.ledger.requests.Add(1)
	e.dirty.Store(true)
	e.finish(r.ledger)
}

// Release drops a reservation without recording usage.
func (e *Enforcer) Release(r *Reservation) {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return
	}
	u := r.ledger.account(r.AccountID)
	u.mu.Lock()
	u.pending -= r.Estimated
	u.mu.Unlock()
	e.finish(r.ledger)
}

// Record adds usage that was never reserved, e.g. a stream that reported
// more than estimated after the reservation was committed.
func (e *Enforcer) Record(accountID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	l := e.ledgerFor(e.now())
	u := l.account(accountID)
	u.mu.Lock()
	u.consumed += tokens
	u.mu.Unlock()
	l.global.Add(tokens)
	e.dirty.Store(true)
}

func (e *Enforcer) finish(l *ledger) {
	if l.inflight.Add(-1) == 0 && l.closed.Load() {
		l.archive.Do(func() { e.archive(l.snapshot()) })
	}
}

// Headroom is how many more tokens accountID may reserve today. Without a
// daily limit it is math.MaxInt64.
func (e *Enforcer) Headroom(accountID string) int64 {
	lim := e.Limits()
	if !lim.Enabled || lim.DailyLimit <= 0 {
		return math.MaxInt64
	}
	l := e.ledgerFor(e.now())
	u := l.account(accountID)
	u.mu.Lock()
	defer u.mu.Unlock()
	left := lim.DailyLimit - u.consumed - u.pending
	if left < 0 {
		return 0
	}
	return left
}

func (e *Enforcer) Usage() DayUsage {
	return e.ledgerFor(e.now()).snapshot()
}

// Rollover swaps in a fresh ledger when now falls on a later UTC day than
// the current one.
func (e *Enforcer) Rollover(now time.Time) {
	e.ledgerFor(now)
}

func (e *Enforcer) ledgerFor(now time.Time) *ledger {
	day := now.UTC().Format(dayLayout)
	for {
		cur := e.current.Load()
		if day <= cur.day {
			return cur
		}
		next := newLedger(day)
		if e.current.CompareAndSwap(cur, next) {
			slog.Info("token budget day rolled over", "previous", cur.day, "day", day, "previous_total", cur.global.Load())
			e.dirty.Store(true)
			cur.closed.Store(true)
			if cur.inflight.Load() == 0 {
				cur.archive.Do(func() { e.archive(cur.snapshot()) })
			}
			return next
		}
	}
}

func (e *Enforcer) archive(day DayUsage) {
	if e.archiver == nil || (day.Global == 0 && day.Requests == 0) {
		return
	}
	if err := e.archiver.ArchiveDay(day); err != nil {
		slog.Warn("failed to archive token usage", "day", day.Day, "error", err)
	}
}

// Flush writes the current day to disk if it changed.
func (e *Enforcer) Flush() error {
	if e.path == "" || !e.dirty.Swap(false) {
		return nil
	}
	snap := e.current.Load().snapshot()
	snap.Pending = 0
	if err := cache.SaveJSON(e.path, snap); err != nil {
		e.dirty.Store(true)
		return err
	}
	return nil
}

// Run rolls the ledger over at each UTC midnight and flushes changes every
// few seconds until ctx is done.
func (e *Enforcer) Run(ctx context.Context) {
	flush := time.NewTicker(5 * time.Second)
	defer flush.Stop()
	midnight := time.NewTimer(untilNextUTCDay(e.now()))
	defer midnight.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := e.Flush(); err != nil {
				slog.Warn("failed to save budget ledger", "error", err)
			}
			return
		case <-midnight.C:
			e.Rollover(e.now())
			midnight.Reset(untilNextUTCDay(e.now()))
		case <-flush.C:
			if err := e.Flush(); err != nil {
				slog.Warn("failed to save budget ledger", "error", err)
			}
		}
	}
}

func untilNextUTCDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	d := next.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// SortedAccounts returns account ids of a usage snapshot ordered by usage,
// highest first.
func (d DayUsage) SortedAccounts() []string {
	ids := make([]string, 0, len(d.Accounts))
	for id := range d.Accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if d.Accounts[ids[i]] != d.Accounts[ids[j]] {
			return d.Accounts[ids[i]] > d.Accounts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}
