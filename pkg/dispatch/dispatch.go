// Package dispatch walks the candidates of a request across the account
// pool until one upstream call succeeds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/affinity"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/metrics"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/lkarlslund/poolrouter/pkg/router"
	"github.com/lkarlslund/poolrouter/pkg/stats"
	"github.com/lkarlslund/poolrouter/pkg/telemetry"
	"github.com/lkarlslund/poolrouter/pkg/tokens"
	"github.com/lkarlslund/poolrouter/pkg/upstream"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxResponseBody = 32 << 20
	maxLoggedBody   = 2 << 10
)

// Request is an inbound data plane call.
type Request struct {
	Path       string
	Body       []byte
	Header     http.Header
	SessionKey string
	// Model overrides the body's model field when set.
	Model  string
	Stream bool
}

// Attempt is one step that did not produce a response.
type Attempt struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Source    string `json:"source"`
	AccountID string `json:"account_id,omitempty"`
	Error     string `json:"error"`
	err       error
}

func (a Attempt) Err() error { return a.err }

func newAttempt(c router.Candidate, accountID string, err error) Attempt {
	return Attempt{Provider: c.Provider, Model: c.Model, Source: c.Source, AccountID: accountID, Error: err.Error(), err: err}
}

// UpstreamExhaustedError means every candidate and account was tried.
type UpstreamExhaustedError struct {
	Model    string
	Attempts []Attempt
}

func (e *UpstreamExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no upstream available for model %s", e.Model)
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("all upstreams failed for model %s after %d attempt(s), last: %s", e.Model, len(e.Attempts), last.Error)
}

// Pool is the account pool as seen by the dispatcher.
type Pool interface {
	affinity.Selector
	RecordResult(id string, statusCode int, callErr error)
	ConsumeQuota(id string, tokens int64)
}

type Upstream interface {
	Do(ctx context.Context, call upstream.Call) (*http.Response, error)
}

type Options struct {
	Router    *router.Router
	Pool      Pool
	Budget    *budget.Enforcer
	Upstream  Upstream
	Affinity  affinity.Store
	Stats     *stats.Store
	Estimator *tokens.Estimator
	Config    func() config.ProxyConfig
	Now       func() time.Time
}

type Dispatcher struct {
	router    *router.Router
	pool      Pool
	budget    *budget.Enforcer
	stats     *stats.Store
	estimator *tokens.Estimator
	config    func() config.ProxyConfig
	now       func() time.Time

	upstream atomic.Pointer[upstreamHolder]
	affinity atomic.Pointer[affinityHolder]
}

type upstreamHolder struct{ u Upstream }
type affinityHolder struct{ s affinity.Store }

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		router:    opts.Router,
		pool:      opts.Pool,
		budget:    opts.Budget,
		stats:     opts.Stats,
		estimator: opts.Estimator,
		config:    opts.Config,
		now:       opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.estimator == nil {
		d.estimator = tokens.Default()
	}
	if d.config == nil {
		d.config = config.NewDefaultProxyConfig
	}
	d.SetUpstream(opts.Upstream)
	d.SetAffinity(opts.Affinity)
	return d
}

// SetUpstream swaps the upstream client, e.g. after the timeout or the
// upstream proxy changed. Calls in flight keep the old client.
func (d *Dispatcher) SetUpstream(u Upstream) {
	d.upstream.Store(&upstreamHolder{u: u})
}

// SetAffinity swaps the session store. A nil store disables stickiness.
func (d *Dispatcher) SetAffinity(s affinity.Store) {
	d.affinity.Store(&affinityHolder{s: s})
}

func (d *Dispatcher) Affinity() affinity.Store {
	return d.affinity.Load().s
}

// ClearSessions drops every sticky binding.
func (d *Dispatcher) ClearSessions(ctx context.Context) error {
	if s := d.Affinity(); s != nil {
		return s.Clear(ctx)
	}
	return nil
}

// ActiveSessions is the number of live sticky bindings.
func (d *Dispatcher) ActiveSessions(ctx context.Context) int {
	if s := d.Affinity(); s != nil {
		return s.Len(ctx)
	}
	return 0
}

// Dispatch runs the request through ResolveModel, SelectAccount, Reserve
// and CallUpstream, failing over to the next account or candidate until a
// call succeeds. It returns *UpstreamExhaustedError when nothing is left,
// or *budget.DeniedError when the request exceeds the per request cap.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	start := d.now()
	cfg := d.config()
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = gjson.GetBytes(req.Body, "model").String()
	}
	candidates, err := d.router.Resolve(model)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch")
	defer span.End()

	est := d.estimator.Estimate(req.Body, cfg.Experimental.ThinkingTokens)
	if cfg.LogStreamContent {
		slog.Debug("dispatch request", "model", model, "session", req.SessionKey, "body", truncate(req.Body))
	}

	if err := d.budget.CheckRequestSize(est.Total()); err != nil {
		return nil, d.deniedTooLarge(span, candidates[0].Provider, model, start, err)
	}

	var attempts []Attempt
	logAttempt := func(a Attempt) {
		attempts = append(attempts, a)
		if cfg.EnableLogging {
			slog.Info("dispatch attempt failed", "model", model, "provider", a.Provider, "target", a.Model, "account", a.AccountID, "error", a.Error)
		}
	}

candidates:
	for _, cand := range candidates {
		tried := map[string]struct{}{}
		for {
			if err := ctx.Err(); err != nil {
				metrics.RecordRequest(cand.Provider, model, metrics.OutcomeCanceled, d.now().Sub(start).Seconds())
				return nil, fmt.Errorf("dispatch %s: %w", model, err)
			}
			acct, sticky, err := d.selectAccount(ctx, cfg, req.SessionKey, cand.Provider, tried)
			if err != nil {
				logAttempt(newAttempt(cand, "", err))
				continue candidates
			}

			res, err := d.budget.Reserve(acct.ID, est.Total())
			if err != nil {
				if budget.IsRequestTooLarge(err) {
					// limits changed since the size check above
					return nil, d.deniedTooLarge(span, cand.Provider, model, start, err)
				}
				logAttempt(newAttempt(cand, acct.ID, err))
				metrics.RecordBudgetDenial("daily_limit_exceeded")
				tried[acct.ID] = struct{}{}
				continue
			}

			resp, err := d.call(ctx, cfg, req, cand, acct, sticky, res, est, start, model)
			if err == nil {
				resp.Attempts = attempts
				return resp, nil
			}
			logAttempt(newAttempt(cand, acct.ID, err))
			tried[acct.ID] = struct{}{}
			if cand.Provider == provider.Zai {
				continue candidates
			}
		}
	}

	elapsed := d.now().Sub(start)
	exhausted := &UpstreamExhaustedError{Model: model, Attempts: attempts}
	metrics.RecordRequest(candidates[0].Provider, model, metrics.OutcomeExhausted, elapsed.Seconds())
	telemetry.AddErrorAttribute(span, exhausted)
	if d.stats != nil {
		d.stats.Add(stats.Event{Timestamp: start, Provider: candidates[0].Provider, Model: model, Failed: true, Latency: elapsed})
	}
	slog.Warn("dispatch exhausted", "model", model, "attempts", len(attempts))
	return nil, exhausted
}

func (d *Dispatcher) deniedTooLarge(span trace.Span, kind, model string, start time.Time, err error) error {
	metrics.RecordBudgetDenial("request_too_large")
	metrics.RecordRequest(kind, model, metrics.OutcomeTooLarge, d.now().Sub(start).Seconds())
	telemetry.AddErrorAttribute(span, err)
	return err
}

// selectAccount prefers the sticky binding when sessions are enabled and
// the request carries a key.
func (d *Dispatcher) selectAccount(ctx context.Context, cfg config.ProxyConfig, key, kind string, exclude map[string]struct{}) (accounts.Account, bool, error) {
	store := d.Affinity()
	if store == nil || key == "" || !cfg.StickySession.Enabled {
		acct, err := d.pool.Select(kind, exclude)
		return acct, false, err
	}
	acct, hit, err := store.GetOrBind(ctx, key, kind, exclude)
	if err == nil {
		metrics.RecordAffinity(hit)
		return acct, hit, nil
	}
	var none *accounts.NoAccountAvailableError
	if errors.As(err, &none) {
		return accounts.Account{}, false, err
	}
	slog.Warn("session store unavailable, selecting without affinity", "error", err)
	acct, err = d.pool.Select(kind, exclude)
	return acct, false, err
}

func (d *Dispatcher) call(ctx context.Context, cfg config.ProxyConfig, req Request, cand router.Candidate, acct accounts.Account, sticky bool, res *budget.Reservation, est tokens.Estimate, start time.Time, model string) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "upstream.attempt")
	defer span.End()
	telemetry.AddCandidateAttributes(span, cand.Provider, cand.Model, cand.Source)
	telemetry.AddAccountAttribute(span, acct.ID, sticky)

	up := d.upstream.Load().u
	resp, err := up.Do(ctx, upstream.Call{
		Path:        req.Path,
		Body:        req.Body,
		Header:      req.Header,
		Model:       cand.Model,
		Credentials: acct.Credentials(),
	})
	if err != nil {
		d.fail(acct.ID, cand.Provider, res, err)
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	d.pool.RecordResult(acct.ID, resp.StatusCode, nil)
	metrics.RecordAttempt(cand.Provider, acct.ID, "success")
	if req.SessionKey != "" && cfg.StickySession.Enabled {
		if s := d.Affinity(); s != nil {
			if err := s.Bind(ctx, req.SessionKey, acct.ID, cand.Provider); err != nil {
				slog.Warn("failed to bind session", "account", acct.ID, "error", err)
			}
		}
	}

	out := &Response{
		Candidate:  cand,
		AccountID:  acct.ID,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		estimator:  d.estimator,
	}
	out.settle = func(u tokens.Usage, relayErr error) {
		committed := committedTokens(u, est)
		d.budget.Commit(res, committed)
		d.pool.ConsumeQuota(acct.ID, committed)
		prompt, completion := u.PromptTokens, u.CompletionTokens
		if !u.Known() {
			prompt, completion = est.Prompt, u.EstimatedCompletion
		}
		metrics.RecordTokens(cand.Provider, acct.ID, prompt, completion)
		elapsed := d.now().Sub(start)
		metrics.RecordRequest(cand.Provider, model, metrics.OutcomeSuccess, elapsed.Seconds())
		if d.stats != nil {
			d.stats.Add(stats.Event{
				Timestamp:        start,
				Provider:         cand.Provider,
				Model:            model,
				AccountID:        acct.ID,
				StatusCode:       resp.StatusCode,
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      committed,
				Latency:          elapsed,
			})
		}
		if relayErr != nil {
			slog.Warn("stream ended early", "account", acct.ID, "error", relayErr)
		}
		if cfg.EnableLogging {
			slog.Info("dispatched", "model", model, "provider", cand.Provider, "target", cand.Model, "account", acct.ID, "tokens", committed, "latency_ms", elapsed.Milliseconds())
		}
	}

	if req.Stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		out.stream = resp.Body
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()
	if err != nil {
		terr := &upstream.TransportError{Provider: cand.Provider, Err: fmt.Errorf("read response: %w", err)}
		d.fail(acct.ID, cand.Provider, res, terr)
		return nil, terr
	}
	if cfg.LogStreamContent {
		slog.Debug("upstream response", "account", acct.ID, "body", truncate(body))
	}
	out.Body = body
	out.Usage = tokens.ParseUsage(body)
	telemetry.AddTokenAttributes(span, est.Total(), out.Usage.PromptTokens, out.Usage.CompletionTokens)
	out.finish(out.Usage, nil)
	return out, nil
}

func (d *Dispatcher) fail(accountID, kind string, res *budget.Reservation, err error) {
	d.budget.Release(res)
	status := 0
	var te *upstream.TransportError
	if errors.As(err, &te) {
		status = te.StatusCode
	}
	d.pool.RecordResult(accountID, status, err)
	metrics.RecordAttempt(kind, accountID, "failure")
}

// committedTokens is the reported total, or the prompt estimate plus any
// streamed text, or else the full reservation estimate.
func committedTokens(u tokens.Usage, est tokens.Estimate) int64 {
	if u.Known() {
		return u.TotalTokens
	}
	if u.EstimatedCompletion > 0 {
		return est.Prompt + u.EstimatedCompletion
	}
	return est.Total()
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedBody {
		return string(b)
	}
	return string(b[:maxLoggedBody]) + "..."
}
