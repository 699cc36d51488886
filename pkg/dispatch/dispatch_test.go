package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/affinity"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/lkarlslund/poolrouter/pkg/router"
	"github.com/lkarlslund/poolrouter/pkg/stats"
	"github.com/lkarlslund/poolrouter/pkg/upstream"
)

const okBody = `{"id":"x","usage":{"input_tokens":10,"output_tokens":5}}`

type fakeUpstream struct {
	mu           sync.Mutex
	calls        []string
	failModels   map[string]int
	failAccounts map[string]int
	stream       string
}

func (f *fakeUpstream) Do(_ context.Context, call upstream.Call) (*http.Response, error) {
	account := strings.TrimPrefix(call.Credentials.APIKey, "key-")
	f.mu.Lock()
	f.calls = append(f.calls, call.Model+"@"+account)
	status, failModel := f.failModels[call.Model]
	accountStatus, failAccount := f.failAccounts[account]
	stream := f.stream
	f.mu.Unlock()
	if failAccount {
		status, failModel = accountStatus, true
	}
	if failModel {
		return nil, &upstream.TransportError{Provider: call.Credentials.Kind, StatusCode: status, Err: errors.New("boom")}
	}
	if stream != "" {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/event-stream"}},
			Body:       io.NopCloser(strings.NewReader(stream)),
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(okBody)),
	}, nil
}

func (f *fakeUpstream) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func acct(id, kind string) accounts.Account {
	return accounts.Account{ID: id, Email: id + "@example.com", Provider: kind, APIKey: "key-" + id, BaseURL: "http://upstream.invalid"}
}

type fixture struct {
	d      *Dispatcher
	pool   *accounts.Pool
	budget *budget.Enforcer
	stats  *stats.Store
	up     *fakeUpstream
	cfg    config.ProxyConfig
}

func newFixture(t *testing.T, cfg config.ProxyConfig, list []accounts.Account, limits budget.Limits, withHeadroom bool) *fixture {
	t.Helper()
	pool := accounts.New(list, accounts.Options{})
	b := budget.New(budget.Options{Limits: limits})
	if withHeadroom {
		pool.SetHeadroom(b.Headroom)
	}
	up := &fakeUpstream{failModels: map[string]int{}, failAccounts: map[string]int{}}
	st := stats.NewStore(100)
	f := &fixture{pool: pool, budget: b, stats: st, up: up, cfg: cfg}
	f.d = New(Options{
		Router:   router.New(cfg, provider.Claude),
		Pool:     pool,
		Budget:   b,
		Upstream: up,
		Stats:    st,
		Config:   func() config.ProxyConfig { return f.cfg },
	})
	return f
}

func chatRequest(model, session string) Request {
	return Request{
		Path:       "/v1/messages",
		Body:       []byte(`{"model":"` + model + `","max_tokens":20,"messages":[{"role":"user","content":"hello"}]}`),
		Header:     http.Header{},
		SessionKey: session,
	}
}

func TestChainFailsOverInOrderAndCallsLastOnce(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	cfg.CustomMapping = map[string]config.ModelTargets{"alias": {"claude-a", "gpt-b", "gemini-c"}}
	f := newFixture(t, cfg, []accounts.Account{acct("c1", provider.Claude), acct("o1", provider.OpenAI), acct("g1", provider.Gemini)}, budget.Limits{}, true)
	f.up.failModels["claude-a"] = http.StatusInternalServerError
	f.up.failModels["gpt-b"] = http.StatusInternalServerError

	resp, err := f.d.Dispatch(context.Background(), chatRequest("alias", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"claude-a@c1", "gpt-b@o1", "gemini-c@g1"}
	got := f.up.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	if resp.Candidate.Model != "gemini-c" || resp.AccountID != "g1" {
		t.Fatalf("unexpected winner %+v on %s", resp.Candidate, resp.AccountID)
	}
	if len(resp.Attempts) != 4 {
		t.Fatalf("expected 2 failed calls and 2 empty pools recorded, got %d: %+v", len(resp.Attempts), resp.Attempts)
	}
}

func TestModelErrorMovesToNextCandidateOnSameAccount(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	cfg.CustomMapping = map[string]config.ModelTargets{"alias": {"claude-a", "claude-b", "claude-c"}}
	f := newFixture(t, cfg, []accounts.Account{acct("c1", provider.Claude)}, budget.Limits{}, true)
	f.up.failModels["claude-a"] = http.StatusNotFound
	f.up.failModels["claude-b"] = http.StatusNotFound

	if _, err := f.d.Dispatch(context.Background(), chatRequest("alias", "")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := strings.Join(f.up.Calls(), ",")
	if got != "claude-a@c1,claude-b@c1,claude-c@c1" {
		t.Fatalf("unexpected calls %s", got)
	}
}

func TestUpstreamFailureRetriesNextAccount(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude), acct("a2", provider.Claude)}, budget.Limits{}, true)
	f.up.failAccounts["a1"] = http.StatusTooManyRequests

	resp, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.AccountID != "a2" {
		t.Fatalf("expected failover to a2, got %s", resp.AccountID)
	}
	v, _ := f.pool.Get("a1")
	if v.Status != accounts.StatusRateLimited || v.CooldownUntil == nil {
		t.Fatalf("expected a1 rate limited with cooldown, got %+v", v)
	}
}

func TestExhaustedReleasesReservations(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude)}, budget.Limits{Enabled: true, DailyLimit: 100000}, true)
	f.up.failAccounts["a1"] = http.StatusBadGateway

	_, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	var exhausted *UpstreamExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected UpstreamExhaustedError, got %v", err)
	}
	if exhausted.Model != "claude-x" || len(exhausted.Attempts) == 0 {
		t.Fatalf("unexpected exhausted error %+v", exhausted)
	}
	u := f.budget.Usage()
	if u.Pending != 0 || u.Global != 0 {
		t.Fatalf("expected reservation released, got %+v", u)
	}
	if got := f.stats.Totals().Failures; got != 1 {
		t.Fatalf("expected 1 failed request recorded, got %d", got)
	}
}

func TestRequestTooLargeAcrossChainWithoutAccounts(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	cfg.CustomMapping = map[string]config.ModelTargets{"alias": {"claude-a", "gpt-b"}}
	f := newFixture(t, cfg, []accounts.Account{acct("c1", provider.Claude)}, budget.Limits{Enabled: true, MaxPerRequest: 5}, true)

	_, err := f.d.Dispatch(context.Background(), chatRequest("alias", ""))
	var exhausted *UpstreamExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatalf("expected request too large, got exhaustion %v", err)
	}
	if !budget.IsRequestTooLarge(err) {
		t.Fatalf("expected request too large, got %v", err)
	}
	if calls := f.up.Calls(); len(calls) != 0 {
		t.Fatalf("expected no upstream call, got %v", calls)
	}
}

func TestRequestTooLargeIsDistinctFromQuota(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude)}, budget.Limits{Enabled: true, MaxPerRequest: 10, DailyLimit: 1000}, true)

	_, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	var denied *budget.DeniedError
	if !errors.As(err, &denied) || !errors.Is(err, budget.ErrRequestTooLarge) {
		t.Fatalf("expected request too large, got %v", err)
	}
	if calls := f.up.Calls(); len(calls) != 0 {
		t.Fatalf("expected no upstream call, got %v", calls)
	}

	// a spent account is a quota problem, not a size problem
	f.budget.SetLimits(budget.Limits{Enabled: true, DailyLimit: 1000})
	res, err := f.budget.Reserve("a1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.budget.Commit(res, 1000)
	_, err = f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	var exhausted *UpstreamExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion once quota is spent, got %v", err)
	}
}

func TestSpentAccountFailsOverAcrossStickySession(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	cfg.StickySession.Enabled = true
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude), acct("a2", provider.Claude)}, budget.Limits{Enabled: true, DailyLimit: 1000}, true)
	store := affinity.NewMemoryStore(f.pool, affinity.Options{TTL: time.Hour, Eviction: affinity.MemoryEviction{Threshold: 100}})
	defer store.Close()
	f.d.SetAffinity(store)
	if err := store.Bind(context.Background(), "s1", "a1", provider.Claude); err != nil {
		t.Fatalf("bind: %v", err)
	}
	res, _ := f.budget.Reserve("a1", 0)
	f.budget.Commit(res, 1000)

	resp, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", "s1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.AccountID != "a2" {
		t.Fatalf("expected failover to a2, got %s", resp.AccountID)
	}
	bindings := store.Bindings()
	if len(bindings) != 1 || bindings[0].AccountID != "a2" {
		t.Fatalf("expected session rebound to a2, got %+v", bindings)
	}
}

func TestDailyLimitDenialFailsOverToNextAccount(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	// without the headroom hook the pool still offers a1, so the
	// reservation itself has to refuse it
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude), acct("a2", provider.Claude)}, budget.Limits{Enabled: true, DailyLimit: 1000}, false)
	res, _ := f.budget.Reserve("a1", 0)
	f.budget.Commit(res, 1000)

	resp, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.AccountID != "a2" {
		t.Fatalf("expected a2, got %s", resp.AccountID)
	}
	if len(resp.Attempts) != 1 || !errors.Is(resp.Attempts[0].Err(), budget.ErrDailyLimitExceeded) {
		t.Fatalf("expected one daily limit denial, got %+v", resp.Attempts)
	}
	if calls := f.up.Calls(); len(calls) != 1 {
		t.Fatalf("expected a single upstream call, got %v", calls)
	}
}

func TestFailedCallLeavesSessionUnbound(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	cfg.StickySession.Enabled = true
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude)}, budget.Limits{}, true)
	store := affinity.NewMemoryStore(f.pool, affinity.Options{TTL: time.Hour, Eviction: affinity.MemoryEviction{Threshold: 100}})
	defer store.Close()
	f.d.SetAffinity(store)
	f.up.failAccounts["a1"] = http.StatusBadRequest

	_, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", "s1"))
	var exhausted *UpstreamExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if n := f.d.ActiveSessions(context.Background()); n != 0 {
		t.Fatalf("expected failed account not to become sticky, got %d sessions", n)
	}
}

func TestClearSessionsForcesFreshSelection(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	cfg.StickySession.Enabled = true
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude), acct("a2", provider.Claude)}, budget.Limits{}, true)
	store := affinity.NewMemoryStore(f.pool, affinity.Options{TTL: time.Hour, Eviction: affinity.MemoryEviction{Threshold: 100}})
	defer store.Close()
	f.d.SetAffinity(store)

	first, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", "s1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	second, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", "s1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if first.AccountID != "a1" || second.AccountID != "a1" {
		t.Fatalf("expected sticky a1, got %s then %s", first.AccountID, second.AccountID)
	}
	if f.d.ActiveSessions(context.Background()) != 1 {
		t.Fatalf("expected one active session")
	}

	if err := f.d.ClearSessions(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	third, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", "s1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if third.AccountID != "a2" {
		t.Fatalf("expected fresh selection of least recently used a2, got %s", third.AccountID)
	}
}

func TestCommitUsesReportedUsage(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude)}, budget.Limits{Enabled: true, DailyLimit: 1000}, true)

	resp, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(resp.Body) != okBody {
		t.Fatalf("unexpected body %s", resp.Body)
	}
	u := f.budget.Usage()
	if u.Global != 15 || u.Accounts["a1"] != 15 || u.Pending != 0 {
		t.Fatalf("expected 15 committed tokens, got %+v", u)
	}
	if got := f.stats.Totals(); got.Requests != 1 || got.Tokens != 15 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestStreamingRelaySettlesUsage(t *testing.T) {
	cfg := config.NewDefaultProxyConfig()
	f := newFixture(t, cfg, []accounts.Account{acct("a1", provider.Claude)}, budget.Limits{Enabled: true, DailyLimit: 1000}, true)
	f.up.stream = "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":25,\"output_tokens\":1}}}\n\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":15}}\n\n"

	req := chatRequest("claude-x", "")
	req.Stream = true
	resp, err := f.d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !resp.Streaming() {
		t.Fatalf("expected streaming response")
	}
	if u := f.budget.Usage(); u.Pending == 0 {
		t.Fatalf("expected reservation pending until relay, got %+v", u)
	}
	rec := httptest.NewRecorder()
	if err := resp.Relay(rec); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if rec.Body.String() != f.up.stream {
		t.Fatalf("expected stream passed through, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", rec.Header().Get("Content-Type"))
	}
	u := f.budget.Usage()
	if u.Global != 40 || u.Pending != 0 {
		t.Fatalf("expected 40 committed tokens, got %+v", u)
	}
	_ = resp.Close()
	if got := f.budget.Usage().Global; got != 40 {
		t.Fatalf("expected close after relay to be a no-op, got %d", got)
	}
}

func TestEmptyModelIsRejected(t *testing.T) {
	f := newFixture(t, config.NewDefaultProxyConfig(), nil, budget.Limits{}, true)
	_, err := f.d.Dispatch(context.Background(), Request{Path: "/v1/messages", Body: []byte(`{"messages":[]}`)})
	if !errors.Is(err, router.ErrEmptyModel) {
		t.Fatalf("expected ErrEmptyModel, got %v", err)
	}
}

func TestNoAccountsIsExhausted(t *testing.T) {
	f := newFixture(t, config.NewDefaultProxyConfig(), []accounts.Account{acct("o1", provider.OpenAI)}, budget.Limits{}, true)
	_, err := f.d.Dispatch(context.Background(), chatRequest("claude-x", ""))
	var exhausted *UpstreamExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	var none *accounts.NoAccountAvailableError
	if !errors.As(exhausted.Attempts[0].Err(), &none) || none.Provider != provider.Claude {
		t.Fatalf("expected no claude account, got %+v", exhausted.Attempts)
	}
}
