// Package affinity binds client sessions to upstream accounts so that a
// conversation keeps hitting the same account.
package affinity

import (
	"context"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/config"
)

// Selector is the part of the account pool the store needs.
type Selector interface {
	Select(kind string, exclude map[string]struct{}) (accounts.Account, error)
	Eligible(id, kind string) bool
	Use(id string) (accounts.Account, error)
}

// Store returns the account bound to a session, or a fresh pick from the
// pool when there is no usable binding. A pick only becomes sticky once the
// caller reports a successful call through Bind.
type Store interface {
	GetOrBind(ctx context.Context, key, kind string, exclude map[string]struct{}) (acct accounts.Account, hit bool, err error)
	Bind(ctx context.Context, key, accountID, kind string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) int
	Close() error
}

// Eviction is either TimerEviction or MemoryEviction.
type Eviction interface {
	isEviction()
}

// TimerEviction sweeps expired bindings every Interval.
type TimerEviction struct {
	Interval time.Duration
}

// MemoryEviction drops least recently used bindings once more than
// Threshold sessions are bound.
type MemoryEviction struct {
	Threshold int
}

func (TimerEviction) isEviction()  {}
func (MemoryEviction) isEviction() {}

type Options struct {
	TTL      time.Duration
	Eviction Eviction
	Now      func() time.Time
}

// OptionsFromConfig converts the sticky session settings. enabled is false
// when sticky sessions are turned off.
func OptionsFromConfig(c config.StickySessionConfig) (opts Options, enabled bool) {
	opts.TTL = time.Duration(c.TTL) * time.Second
	switch c.CleanupStrategy {
	case config.CleanupMemory:
		opts.Eviction = MemoryEviction{Threshold: c.MemoryThreshold}
	default:
		opts.Eviction = TimerEviction{Interval: time.Duration(c.CleanupInterval) * time.Second}
	}
	return opts, c.Enabled
}

func excluded(exclude map[string]struct{}, id string) bool {
	_, ok := exclude[id]
	return ok
}

// Disabled never remembers anything and always asks the pool.
type Disabled struct {
	Pool Selector
}

func (d Disabled) GetOrBind(_ context.Context, _ string, kind string, exclude map[string]struct{}) (accounts.Account, bool, error) {
	acct, err := d.Pool.Select(kind, exclude)
	return acct, false, err
}

func (Disabled) Bind(context.Context, string, string, string) error { return nil }
func (Disabled) Clear(context.Context) error                        { return nil }
func (Disabled) Len(context.Context) int                            { return 0 }
func (Disabled) Close() error                                       { return nil }
