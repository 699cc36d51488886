package accounts

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRefreshInterval = 15 * time.Minute
	refreshRetryInterval   = 30 * time.Second
)

// HealthRunner keeps account quotas fresh. Healthy accounts are refreshed
// every interval, unhealthy ones every retry interval.
type HealthRunner struct {
	pool     *Pool
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time
	forceCh  chan struct{}
}

func NewHealthRunner(pool *Pool, interval time.Duration) *HealthRunner {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	poll := refreshRetryInterval
	if interval < poll {
		poll = interval
	}
	return &HealthRunner{
		pool:     pool,
		interval: interval,
		retry:    refreshRetryInterval,
		poll:     poll,
		now:      time.Now,
		forceCh:  make(chan struct{}, 1),
	}
}

func (h *HealthRunner) Run(ctx context.Context) {
	if h == nil || h.pool == nil {
		return
	}
	h.checkOnce(ctx, false)
	t := time.NewTicker(h.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.checkOnce(ctx, false)
		case <-h.forceCh:
			h.checkOnce(ctx, true)
		}
	}
}

// Trigger asks the runner to refresh every account on its next turn.
func (h *HealthRunner) Trigger() {
	if h == nil {
		return
	}
	select {
	case h.forceCh <- struct{}{}:
	default:
	}
}

func (h *HealthRunner) shouldCheck(v View, now time.Time, force bool) bool {
	if force || v.Quota.CheckedAt.IsZero() {
		return true
	}
	// a lapsed rate limit window is re-read right away
	if r := v.Quota.ResetAt; !r.IsZero() && !now.Before(r) && v.Quota.CheckedAt.Before(r) {
		return true
	}
	age := now.Sub(v.Quota.CheckedAt)
	if age < 0 {
		age = 0
	}
	if v.Quota.Status == StatusOnline {
		return age >= h.interval
	}
	return age >= h.retry
}

func (h *HealthRunner) checkOnce(parent context.Context, force bool) {
	now := h.now()
	for _, v := range h.pool.List() {
		if v.Disabled || !h.shouldCheck(v, now, force) {
			continue
		}
		_, err := h.pool.Refresh(parent, v.ID)
		if err != nil {
			slog.Warn("account quota refresh failed", "account", v.ID, "provider", v.Provider, "error", err)
		}
	}
}
