package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/lkarlslund/poolrouter/pkg/stats"
)

type testEnv struct {
	svc   *Service
	store *config.ProxyConfigStore
	pool  *accounts.Pool
	srv   *config.ServerConfig
	dir   string
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newTestEnv wires a service with one OpenAI account pointing at
// upstreamURL, which may be empty when no call reaches upstream.
func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	srvCfg := config.NewDefaultServerConfig()
	srvCfg.DataDir = dir
	srvCfg.DefaultProvider = provider.OpenAI

	cfg := config.NewDefaultProxyConfig()
	cfg.Port = freePort(t)
	store := config.NewProxyConfigStore(filepath.Join(dir, "proxy.json"), cfg)

	base := upstreamURL
	if base == "" {
		base = "http://127.0.0.1:1"
	}
	pool := accounts.New([]accounts.Account{{
		ID:       "a1",
		Email:    "one@example.com",
		Provider: provider.OpenAI,
		BaseURL:  base + "/v1",
		APIKey:   "key-a1",
	}}, accounts.Options{Path: filepath.Join(dir, "accounts.json")})

	svc, err := NewService(Deps{
		Server: srvCfg,
		Config: store,
		Pool:   pool,
		Budget: budget.New(budget.Options{}),
		Stats:  stats.NewStore(100),
		Now:    func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return &testEnv{svc: svc, store: store, pool: pool, srv: srvCfg, dir: dir}
}

func TestStartStopStatus(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	port := env.store.Snapshot().Port

	st, err := env.svc.Start(ctx, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !st.Running || st.Port != port || st.ActiveAccounts != 1 {
		t.Fatalf("unexpected running status %+v", st)
	}
	if st.BaseURL != "http://127.0.0.1:"+strconv.Itoa(port) {
		t.Fatalf("unexpected base url %q", st.BaseURL)
	}

	resp, err := http.Get(st.BaseURL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	_, err = env.svc.Start(ctx, nil)
	var lerr *LifecycleError
	if !errors.As(err, &lerr) || !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running lifecycle error, got %v", err)
	}

	baseURL := st.BaseURL
	st, err = env.svc.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.Running || st.Port != port || st.BaseURL != baseURL || st.ActiveSessions != 0 {
		t.Fatalf("expected stopped status with configured port, got %+v", st)
	}
	if _, err := env.svc.Stop(ctx); err != nil {
		t.Fatalf("expected second stop to be a no-op, got %v", err)
	}
	if resp, err := http.Get(baseURL + "/healthz"); err == nil {
		resp.Body.Close()
		t.Fatalf("expected listener closed")
	}
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	env := newTestEnv(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port
	if _, err := env.store.Patch([]byte(`{"port":` + strconv.Itoa(taken) + `}`)); err != nil {
		t.Fatalf("patch: %v", err)
	}

	st, err := env.svc.Start(context.Background(), nil)
	var lerr *LifecycleError
	if !errors.As(err, &lerr) || lerr.Op != "start" {
		t.Fatalf("expected start lifecycle error, got %v", err)
	}
	if st.Running || env.svc.Running() {
		t.Fatalf("expected proxy to stay stopped, got %+v", st)
	}
}

func TestStartOverrideIsValidatedAndNotPersisted(t *testing.T) {
	env := newTestEnv(t, "")
	bad := env.store.Snapshot()
	bad.Port = 80
	_, err := env.svc.Start(context.Background(), &bad)
	var verr *config.ValidationError
	if !errors.As(err, &verr) || verr.Field != "port" {
		t.Fatalf("expected port validation error, got %v", err)
	}

	override := env.store.Snapshot()
	override.Port = freePort(t)
	st, err := env.svc.Start(context.Background(), &override)
	if err != nil {
		t.Fatalf("start with override: %v", err)
	}
	if st.Port != override.Port {
		t.Fatalf("expected override port %d, got %d", override.Port, st.Port)
	}
	if saved := env.store.Snapshot().Port; saved == override.Port {
		t.Fatalf("expected override not to be persisted")
	}
}

func TestFailedOverrideStartKeepsSavedConfig(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	if _, err := env.store.Patch([]byte(`{"custom_mapping":{"m":"gpt-saved"}}`)); err != nil {
		t.Fatalf("patch: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	override := env.store.Snapshot()
	override.Port = ln.Addr().(*net.TCPAddr).Port
	override.CustomMapping = map[string]config.ModelTargets{"m": {"gpt-override"}}
	override.TokenManager = config.TokenManagerConfig{Enabled: true, DailyLimit: 1, MaxTokensPerRequest: 1}
	if _, err := env.svc.Start(ctx, &override); err == nil {
		t.Fatalf("expected start on a taken port to fail")
	}
	if env.svc.Running() {
		t.Fatalf("expected proxy to stay stopped")
	}
	cands, err := env.svc.Router().Resolve("m")
	if err != nil || len(cands) != 1 || cands[0].Model != "gpt-saved" {
		t.Fatalf("expected saved mapping after failed start, got %+v %v", cands, err)
	}
	if l := env.svc.deps.Budget.Limits(); l.Enabled {
		t.Fatalf("expected saved budget limits after failed start, got %+v", l)
	}
}

func TestStopDropsStartOverride(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	override := env.store.Snapshot()
	override.Port = freePort(t)
	override.CustomMapping = map[string]config.ModelTargets{"m": {"gpt-override"}}
	if _, err := env.svc.Start(ctx, &override); err != nil {
		t.Fatalf("start with override: %v", err)
	}
	if cands, _ := env.svc.Router().Resolve("m"); len(cands) != 1 || cands[0].Model != "gpt-override" {
		t.Fatalf("expected override mapping while running, got %+v", cands)
	}
	st, err := env.svc.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.Port != env.store.Snapshot().Port {
		t.Fatalf("expected stopped status to report the saved port, got %d", st.Port)
	}
	if cands, _ := env.svc.Router().Resolve("m"); len(cands) == 1 && cands[0].Model == "gpt-override" {
		t.Fatalf("expected override mapping dropped after stop")
	}
}

func TestRestartWhileStoppedStarts(t *testing.T) {
	env := newTestEnv(t, "")
	st, err := env.svc.Restart(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !st.Running {
		t.Fatalf("expected running after restart, got %+v", st)
	}
}

func TestRestartFailureKeepsPreviousListener(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	first, err := env.svc.Start(ctx, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := env.store.Patch([]byte(`{"port":` + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port) + `}`)); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !env.svc.Status(ctx).RestartRequired {
		t.Fatalf("expected restart_required after port change")
	}

	st, err := env.svc.Restart(ctx)
	var lerr *LifecycleError
	if !errors.As(err, &lerr) || lerr.Op != "restart" {
		t.Fatalf("expected restart lifecycle error, got %v", err)
	}
	if !st.Running || st.Port != first.Port {
		t.Fatalf("expected previous listener restored on port %d, got %+v", first.Port, st)
	}
}

func TestConfigChangeAppliesLive(t *testing.T) {
	env := newTestEnv(t, "")
	if _, err := env.store.Patch([]byte(`{"token_manager":{"enabled":true,"daily_limit":1000,"max_tokens_per_request":100}}`)); err != nil {
		t.Fatalf("patch: %v", err)
	}
	l := env.svc.deps.Budget.Limits()
	if !l.Enabled || l.DailyLimit != 1000 || l.MaxPerRequest != 100 {
		t.Fatalf("expected budget limits applied, got %+v", l)
	}
	if _, err := env.store.Patch([]byte(`{"custom_mapping":{"fast":"gpt-4o-mini"}}`)); err != nil {
		t.Fatalf("patch mapping: %v", err)
	}
	cands, err := env.svc.Router().Resolve("fast")
	if err != nil || len(cands) != 1 || cands[0].Model != "gpt-4o-mini" {
		t.Fatalf("expected mapping applied, got %+v %v", cands, err)
	}
	if _, err := env.store.Patch([]byte(`{"sticky_session":{"enabled":false,"ttl":3600,"cleanup_strategy":"timer","cleanup_interval":300}}`)); err != nil {
		t.Fatalf("patch sticky: %v", err)
	}
	if n := env.svc.Dispatcher().ActiveSessions(context.Background()); n != 0 {
		t.Fatalf("expected no sessions with affinity disabled, got %d", n)
	}
}

func TestDrainingRejectsNewRequests(t *testing.T) {
	in := &instance{}
	in.draining.Store(true)
	h := in.lifecycleMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not run while draining")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") != "3" {
		t.Fatalf("expected 503 with Retry-After, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestWaitForIdleHonorsGrace(t *testing.T) {
	in := &instance{}
	in.active.Store(1)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	waitForIdle(ctx, in)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("expected wait to end with the grace context")
	}
}
