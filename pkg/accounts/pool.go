// Package accounts holds the pool of upstream accounts and picks one per
// request.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/cache"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// HeadroomFunc reports how many tokens an account may still spend today.
type HeadroomFunc func(accountID string) int64

type QuotaFetcher interface {
	FetchQuota(ctx context.Context, cred provider.Credentials) (provider.Quota, error)
}

type entry struct {
	mu            sync.Mutex
	acct          Account
	synthetic     bool
	status        string
	failures      int
	cooldownUntil time.Time
}

type Options struct {
	Path     string
	Headroom HeadroomFunc
	Fetcher  QuotaFetcher
	Cooldown CooldownPolicy
	Now      func() time.Time
	// BaseURL supplies the upstream base URL for accounts that carry none.
	BaseURL func(kind string) string
}

type Pool struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	currentID string

	path     string
	headroom HeadroomFunc
	fetcher  QuotaFetcher
	cooldown CooldownPolicy
	now      func() time.Time
	refresh  singleflight.Group
	saveMu   sync.Mutex

	refreshTimeout atomic.Int64
}

// Open loads the accounts file at opts.Path. A missing file gives an empty
// pool.
func Open(opts Options) (*Pool, error) {
	idx, err := loadIndex(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	p := New(idx.Accounts, opts)
	p.currentID = idx.CurrentAccountID
	return p, nil
}

func New(list []Account, opts Options) *Pool {
	p := &Pool{
		entries:  make(map[string]*entry, len(list)),
		path:     opts.Path,
		headroom: opts.Headroom,
		fetcher:  opts.Fetcher,
		cooldown: opts.Cooldown,
		now:      opts.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.cooldown == (CooldownPolicy{}) {
		p.cooldown = DefaultCooldownPolicy()
	}
	for _, a := range list {
		if a.Quota.Status == "" {
			a.Quota.Status = StatusUnknown
		}
		if a.BaseURL == "" && opts.BaseURL != nil {
			a.BaseURL = opts.BaseURL(a.Provider)
		}
		p.entries[a.ID] = &entry{acct: a, status: StatusUnknown}
	}
	return p
}

// SetHeadroom installs the budget lookup used to rank accounts.
func (p *Pool) SetHeadroom(fn HeadroomFunc) {
	p.mu.Lock()
	p.headroom = fn
	p.mu.Unlock()
}

// SetRefreshTimeout bounds each quota fetch. Zero leaves only the
// caller's context.
func (p *Pool) SetRefreshTimeout(d time.Duration) {
	p.refreshTimeout.Store(int64(d))
}

// SetZai adds, updates or removes the synthetic account backing Z.ai.
func (p *Pool) SetZai(cfg config.ZaiConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
		if e, ok := p.entries[ZaiAccountID]; ok && e.synthetic {
			delete(p.entries, ZaiAccountID)
		}
		return
	}
	if e, ok := p.entries[ZaiAccountID]; ok {
		e.mu.Lock()
		e.acct.BaseURL = cfg.BaseURL
		e.acct.APIKey = cfg.APIKey
		e.mu.Unlock()
		return
	}
	p.entries[ZaiAccountID] = &entry{
		synthetic: true,
		status:    StatusUnknown,
		acct: Account{
			ID:        ZaiAccountID,
			Email:     "z.ai",
			Name:      "Z.ai",
			Provider:  provider.Zai,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			CreatedAt: p.now().UTC(),
			Quota:     QuotaSnapshot{Status: StatusUnknown},
		},
	}
}

type scored struct {
	e        *entry
	id       string
	headroom int64
	lastUsed time.Time
}

// Select picks the eligible account for kind with the most headroom. Ties
// go to the least recently used account.
func (p *Pool) Select(kind string, exclude map[string]struct{}) (Account, error) {
	now := p.now()
	p.mu.RLock()
	headroomFn := p.headroom
	candidates := make([]scored, 0, len(p.entries))
	for id, e := range p.entries {
		if _, skip := exclude[id]; skip {
			continue
		}
		e.mu.Lock()
		ok := e.acct.Provider == kind && !e.acct.Disabled && !now.Before(e.cooldownUntil)
		var last time.Time
		if e.acct.LastUsed != nil {
			last = *e.acct.LastUsed
		}
		remaining := e.acct.Quota.remaining(now)
		e.mu.Unlock()
		if !ok {
			continue
		}
		h := int64(math.MaxInt64)
		if remaining != nil {
			h = *remaining
		}
		if headroomFn != nil {
			h = min(h, headroomFn(id))
		}
		if h <= 0 {
			continue
		}
		candidates = append(candidates, scored{e: e, id: id, headroom: h, lastUsed: last})
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return Account{}, &NoAccountAvailableError{Provider: kind}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.headroom != b.headroom {
			return a.headroom > b.headroom
		}
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.Before(b.lastUsed)
		}
		return a.id < b.id
	})
	best := candidates[0]
	return p.touch(best.e, now), nil
}

func (p *Pool) touch(e *entry, now time.Time) Account {
	e.mu.Lock()
	used := now.UTC()
	e.acct.LastUsed = &used
	acct := e.acct
	e.mu.Unlock()
	p.mu.Lock()
	p.currentID = acct.ID
	p.mu.Unlock()
	return acct
}

// Eligible reports whether id can serve kind right now. The affinity store
// uses it to validate a sticky binding.
func (p *Pool) Eligible(id, kind string) bool {
	p.mu.RLock()
	e, ok := p.entries[id]
	headroomFn := p.headroom
	p.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	now := p.now()
	usable := e.acct.Provider == kind && !e.acct.Disabled && !now.Before(e.cooldownUntil)
	remaining := e.acct.Quota.remaining(now)
	e.mu.Unlock()
	if !usable || (remaining != nil && *remaining <= 0) {
		return false
	}
	return headroomFn == nil || headroomFn(id) > 0
}

// Use marks a sticky account as used and returns it.
func (p *Pool) Use(id string) (Account, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return Account{}, ErrNotFound
	}
	return p.touch(e, p.now()), nil
}

// RecordResult updates health and cooldown after an upstream call.
// statusCode is zero when the request never got a response.
func (p *Pool) RecordResult(id string, statusCode int, callErr error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	now := p.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case callErr == nil && statusCode >= 200 && statusCode < 300:
		e.failures = 0
		e.cooldownUntil = time.Time{}
		e.status = StatusOnline
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.failures++
		e.status = StatusAuthProblem
		e.cooldownUntil = now.Add(p.cooldown.Max)
	case statusCode == http.StatusTooManyRequests:
		e.failures++
		e.status = StatusRateLimited
		e.cooldownUntil = now.Add(p.cooldown.Delay(e.failures))
	case statusCode == 0 || statusCode >= 500:
		e.failures++
		e.status = StatusOffline
		e.cooldownUntil = now.Add(p.cooldown.Delay(e.failures))
	}
	if !e.cooldownUntil.IsZero() && now.Before(e.cooldownUntil) {
		slog.Debug("account cooling down", "account", id, "status", e.status, "until", e.cooldownUntil)
	}
}

// ConsumeQuota lowers the upstream reported remaining tokens between
// refreshes.
func (p *Pool) ConsumeQuota(id string, tokens int64) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok || tokens <= 0 {
		return
	}
	e.mu.Lock()
	if r := e.acct.Quota.remaining(p.now()); r != nil {
		left := max(*r-tokens, 0)
		e.acct.Quota.RemainingTokens = &left
	}
	e.mu.Unlock()
}

// Refresh re-reads the quota of one account from upstream. The fetch runs
// without holding any pool lock; the result is swapped in afterwards.
func (p *Pool) Refresh(ctx context.Context, id string) (View, error) {
	_, err, _ := p.refresh.Do(id, func() (any, error) {
		return nil, p.refreshOne(ctx, id)
	})
	v, ok := p.Get(id)
	if !ok {
		return View{}, ErrNotFound
	}
	return v, err
}

func (p *Pool) refreshOne(ctx context.Context, id string) error {
	p.mu.RLock()
	e, ok := p.entries[id]
	fetcher := p.fetcher
	p.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if fetcher == nil {
		return errors.New("no quota fetcher configured")
	}
	e.mu.Lock()
	cred := e.acct.Credentials()
	e.mu.Unlock()

	if d := time.Duration(p.refreshTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	q, err := fetcher.FetchQuota(ctx, cred)
	checked := p.now().UTC()

	e.mu.Lock()
	snap := e.acct.Quota
	snap.CheckedAt = checked
	if err != nil {
		snap.Error = err.Error()
		switch {
		case provider.IsBlocked(err):
			snap.Status = StatusBlocked
		case provider.IsAuthError(err):
			snap.Status = StatusAuthProblem
		case provider.IsRateLimited(err):
			snap.Status = StatusRateLimited
		default:
			snap.Status = StatusOffline
		}
	} else {
		snap.Error = ""
		snap.Status = StatusOnline
		snap.LimitTokens = q.LimitTokens
		snap.ResetAt = q.ResetAt
		if q.Known {
			remaining := q.RemainingTokens
			snap.RemainingTokens = &remaining
		} else {
			snap.RemainingTokens = nil
		}
		e.failures = 0
		e.cooldownUntil = time.Time{}
	}
	e.acct.Quota = snap
	e.status = snap.Status
	synthetic := e.synthetic
	e.mu.Unlock()

	if !synthetic {
		if saveErr := p.Save(); saveErr != nil {
			slog.Warn("failed to save accounts", "error", saveErr)
		}
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	return nil
}

// RefreshAll refreshes every account with bounded parallelism and returns
// the first error.
func (p *Pool) RefreshAll(ctx context.Context) error {
	ids := p.IDs()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var mu sync.Mutex
	var errs []error
	for _, id := range ids {
		g.Go(func() error {
			if _, err := p.Refresh(gctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (p *Pool) Get(id string) (View, bool) {
	p.mu.RLock()
	e, ok := p.entries[id]
	headroomFn := p.headroom
	p.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	return p.view(e, headroomFn), true
}

func (p *Pool) view(e *entry, headroomFn HeadroomFunc) View {
	e.mu.Lock()
	v := View{
		ID:        e.acct.ID,
		Email:     e.acct.Email,
		Name:      e.acct.Name,
		Provider:  e.acct.Provider,
		Disabled:  e.acct.Disabled,
		CreatedAt: e.acct.CreatedAt,
		LastUsed:  e.acct.LastUsed,
		Quota:     e.acct.Quota,
		Status:    e.status,
	}
	if p.now().Before(e.cooldownUntil) {
		until := e.cooldownUntil
		v.CooldownUntil = &until
	}
	e.mu.Unlock()
	if headroomFn != nil {
		if h := headroomFn(v.ID); h != math.MaxInt64 {
			v.Headroom = &h
		}
	}
	return v
}

func (p *Pool) List() []View {
	p.mu.RLock()
	headroomFn := p.headroom
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()
	out := make([]View, 0, len(entries))
	for _, e := range entries {
		out = append(out, p.view(e, headroomFn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) CurrentAccountID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentID
}

// ActiveCount is the number of accounts that are enabled and not cooling
// down.
func (p *Pool) ActiveCount() int {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, e := range p.entries {
		e.mu.Lock()
		if !e.acct.Disabled && !now.Before(e.cooldownUntil) && e.status != StatusAuthProblem {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) Rename(id, name string) (View, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	headroomFn := p.headroom
	p.mu.RUnlock()
	if !ok {
		return View{}, ErrNotFound
	}
	e.mu.Lock()
	e.acct.Name = strings.TrimSpace(name)
	e.mu.Unlock()
	if err := p.Save(); err != nil {
		return View{}, err
	}
	return p.view(e, headroomFn), nil
}

// Save writes the accounts file. Synthetic accounts are not persisted.
func (p *Pool) Save() error {
	if p.path == "" {
		return nil
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	p.mu.RLock()
	idx := fileIndex{CurrentAccountID: p.currentID}
	for _, e := range p.entries {
		if e.synthetic {
			continue
		}
		e.mu.Lock()
		idx.Accounts = append(idx.Accounts, e.acct)
		e.mu.Unlock()
	}
	p.mu.RUnlock()
	sort.Slice(idx.Accounts, func(i, j int) bool { return idx.Accounts[i].ID < idx.Accounts[j].ID })
	return cache.SaveJSON(p.path, idx)
}
