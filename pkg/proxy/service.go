package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/affinity"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/dispatch"
	"github.com/lkarlslund/poolrouter/pkg/metrics"
	"github.com/lkarlslund/poolrouter/pkg/router"
	"github.com/lkarlslund/poolrouter/pkg/stats"
	"github.com/lkarlslund/poolrouter/pkg/tokens"
	"github.com/lkarlslund/poolrouter/pkg/upstream"
	"github.com/redis/go-redis/v9"
)

const (
	drainGrace      = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Deps are the long lived components shared by the control API and every
// data plane instance.
type Deps struct {
	Server    *config.ServerConfig
	Config    *config.ProxyConfigStore
	Pool      *accounts.Pool
	Budget    *budget.Enforcer
	Stats     *stats.Store
	Estimator *tokens.Estimator
	// Redis selects the redis affinity backend when set.
	Redis *redis.Client
	Now   func() time.Time
}

type Status struct {
	Running         bool   `json:"running"`
	Port            int    `json:"port"`
	BaseURL         string `json:"base_url"`
	ActiveAccounts  int    `json:"active_accounts"`
	ActiveSessions  int    `json:"active_sessions,omitempty"`
	RestartRequired bool   `json:"restart_required"`
}

// instance is one started data plane listener.
type instance struct {
	cfg    config.ProxyConfig
	srv    *http.Server
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	active   atomic.Int64
	draining atomic.Bool
}

func (in *instance) port() int {
	if addr, ok := in.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return in.cfg.Port
}

// Service owns the proxy lifecycle: it starts and stops the data plane
// listener and keeps routing, budget, upstream and affinity in step with
// the saved ProxyConfig.
type Service struct {
	deps       Deps
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	feed       *StatusFeed

	// mu serializes Start, Stop and Restart.
	mu      sync.Mutex
	current atomic.Pointer[instance]

	live            atomic.Pointer[config.ProxyConfig]
	restartRequired atomic.Bool

	applyMu  sync.Mutex
	applied  *config.ProxyConfig
	affinity affinity.Store
}

func NewService(deps Deps) (*Service, error) {
	if deps.Server == nil || deps.Config == nil || deps.Pool == nil || deps.Budget == nil {
		return nil, errors.New("proxy service requires server config, proxy config, pool and budget")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config.Snapshot()
	s := &Service{
		deps:   deps,
		router: router.New(cfg, deps.Server.DefaultProvider),
		feed:   NewStatusFeed(),
	}
	s.dispatcher = dispatch.New(dispatch.Options{
		Router:    s.router,
		Pool:      deps.Pool,
		Budget:    deps.Budget,
		Stats:     deps.Stats,
		Estimator: deps.Estimator,
		Config:    s.liveConfig,
		Now:       deps.Now,
	})
	deps.Pool.SetHeadroom(deps.Budget.Headroom)
	if err := s.apply(cfg); err != nil {
		return nil, err
	}
	deps.Config.Subscribe(s.onConfigChange)
	s.publishStatus()
	return s, nil
}

func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
func (s *Service) Feed() *StatusFeed                { return s.feed }
func (s *Service) Router() *router.Router           { return s.router }

func (s *Service) liveConfig() config.ProxyConfig {
	if p := s.live.Load(); p != nil {
		return p.Clone()
	}
	return s.deps.Config.Snapshot()
}

// apply pushes cfg into every hot reloadable component. The upstream
// client and the affinity store are only rebuilt when their settings
// changed.
func (s *Service) apply(cfg config.ProxyConfig) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.router.Update(cfg, s.deps.Server.DefaultProvider)
	s.deps.Budget.SetLimits(budget.LimitsFromConfig(cfg.TokenManager))
	s.deps.Pool.SetZai(cfg.Zai)
	s.deps.Pool.SetRefreshTimeout(time.Duration(cfg.Timeout) * time.Millisecond)

	prev := s.applied
	if prev == nil || prev.Timeout != cfg.Timeout || prev.UpstreamProxy != cfg.UpstreamProxy {
		client, err := upstream.New(upstream.Options{
			Timeout:  time.Duration(cfg.Timeout) * time.Millisecond,
			ProxyURL: cfg.UpstreamProxy,
		})
		if err != nil {
			if prev == nil {
				return fmt.Errorf("build upstream client: %w", err)
			}
			slog.Error("keeping previous upstream client", "error", err)
		} else {
			s.dispatcher.SetUpstream(client)
		}
	}
	if prev == nil || prev.StickySession != cfg.StickySession {
		next := s.newAffinity(cfg.StickySession)
		old := s.affinity
		s.affinity = next
		s.dispatcher.SetAffinity(next)
		if old != nil {
			if err := old.Close(); err != nil {
				slog.Warn("close previous session store", "error", err)
			}
		}
	}

	cp := cfg.Clone()
	s.applied = &cp
	s.live.Store(&cp)
	return nil
}

func (s *Service) newAffinity(c config.StickySessionConfig) affinity.Store {
	opts, enabled := affinity.OptionsFromConfig(c)
	if !enabled {
		return affinity.Disabled{Pool: s.deps.Pool}
	}
	opts.Now = s.deps.Now
	if s.deps.Redis != nil {
		return affinity.NewRedisStore(s.deps.Redis, s.deps.Server.Affinity.KeyPrefix, s.deps.Pool, opts)
	}
	return affinity.NewMemoryStore(s.deps.Pool, opts)
}

func (s *Service) onConfigChange(cfg config.ProxyConfig) {
	if err := s.apply(cfg); err != nil {
		slog.Error("apply proxy config", "error", err)
	}
	if in := s.current.Load(); in != nil {
		if in.cfg.Port != cfg.Port || in.cfg.BindAddress != cfg.BindAddress {
			s.restartRequired.Store(true)
		}
	}
	s.publishStatus()
}

// Start binds the data plane. A non nil override is validated and used
// instead of the saved config without being persisted. Components only see
// the override once the listener is bound.
func (s *Service) Start(ctx context.Context, override *config.ProxyConfig) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() != nil {
		return s.Status(ctx), &LifecycleError{Op: "start", Err: ErrAlreadyRunning}
	}
	cfg := s.deps.Config.Snapshot()
	if override != nil {
		cfg = override.Clone()
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return s.Status(ctx), err
		}
	}
	if err := s.startLocked(cfg); err != nil {
		return s.Status(ctx), &LifecycleError{Op: "start", Err: err}
	}
	s.publishStatus()
	return s.Status(ctx), nil
}

// startLocked binds cfg's address, applies cfg and serves. On any failure
// the saved config is applied again.
func (s *Service) startLocked(cfg config.ProxyConfig) error {
	addr := cfg.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.restoreSaved()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := s.apply(cfg); err != nil {
		_ = ln.Close()
		s.restoreSaved()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &instance{cfg: cfg, ln: ln, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	in.srv = &http.Server{
		Handler:           s.dataPlane(in),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(in.done)
		if err := in.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("data plane stopped", "error", err)
		}
	}()
	s.current.Store(in)
	s.restartRequired.Store(false)
	metrics.SetProxyRunning(true)
	slog.Info("proxy started", "addr", ln.Addr().String(), "base_url", cfg.BaseURL())
	return nil
}

// restoreSaved applies the persisted config, dropping any start override.
func (s *Service) restoreSaved() {
	if err := s.apply(s.deps.Config.Snapshot()); err != nil {
		slog.Error("apply saved proxy config", "error", err)
	}
}

// Stop drains and closes the data plane. Stopping a stopped proxy is a no-op.
func (s *Service) Stop(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() == nil {
		return s.Status(ctx), nil
	}
	s.stopLocked()
	s.restoreSaved()
	s.publishStatus()
	return s.Status(ctx), nil
}

func (s *Service) stopLocked() {
	in := s.current.Load()
	if in == nil {
		return
	}
	in.draining.Store(true)
	waitCtx, cancelWait := context.WithTimeout(context.Background(), drainGrace)
	waitForIdle(waitCtx, in)
	cancelWait()
	in.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := in.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("data plane shutdown", "error", err)
		_ = in.srv.Close()
	}
	<-in.done
	s.current.Store(nil)
	s.restartRequired.Store(false)
	metrics.SetProxyRunning(false)
	slog.Info("proxy stopped", "port", in.port())
}

// Restart stops the proxy if it runs and starts it with the saved config.
// When that start fails the previous running config is tried once more.
func (s *Service) Restart(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *config.ProxyConfig
	if in := s.current.Load(); in != nil {
		cp := in.cfg.Clone()
		prev = &cp
		s.stopLocked()
	}
	if err := s.startLocked(s.deps.Config.Snapshot()); err != nil {
		if prev != nil {
			if perr := s.startLocked(*prev); perr != nil {
				slog.Error("restore previous proxy config", "error", perr)
			} else {
				s.restartRequired.Store(true)
			}
		}
		s.publishStatus()
		return s.Status(ctx), &LifecycleError{Op: "restart", Err: err}
	}
	s.publishStatus()
	return s.Status(ctx), nil
}

// Close stops the data plane and releases the session store.
func (s *Service) Close() error {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.affinity != nil {
		return s.affinity.Close()
	}
	return nil
}

func (s *Service) Running() bool { return s.current.Load() != nil }

func (s *Service) Status(ctx context.Context) Status {
	in := s.current.Load()
	if in == nil {
		cfg := s.deps.Config.Snapshot()
		return Status{
			Port:            cfg.Port,
			BaseURL:         cfg.BaseURL(),
			ActiveAccounts:  s.deps.Pool.ActiveCount(),
			RestartRequired: s.restartRequired.Load(),
		}
	}
	return Status{
		Running:         true,
		Port:            in.port(),
		BaseURL:         fmt.Sprintf("http://127.0.0.1:%d", in.port()),
		ActiveAccounts:  s.deps.Pool.ActiveCount(),
		ActiveSessions:  s.dispatcher.ActiveSessions(ctx),
		RestartRequired: s.restartRequired.Load(),
	}
}

// ClearSessions drops every sticky binding so the next request of each
// session selects afresh.
func (s *Service) ClearSessions(ctx context.Context) error {
	if err := s.dispatcher.ClearSessions(ctx); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	slog.Info("sticky sessions cleared")
	s.publishStatus()
	return nil
}

func (s *Service) publishStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.feed.Publish(Event{Type: EventProxyStatus, Data: s.Status(ctx)})
}

func waitForIdle(ctx context.Context, in *instance) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := in.active.Load()
		if active <= 0 {
			slog.Debug("data plane idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			slog.Info("waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			slog.Warn("drain grace period elapsed", "active", in.active.Load())
			return
		case <-t.C:
		}
	}
}
