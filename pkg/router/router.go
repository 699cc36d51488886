// Package router resolves a requested model name into an ordered list of
// upstream candidates.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/samber/lo"
)

const (
	SourceCustomMapping = "custom_mapping"
	SourceZaiMapping    = "zai_mapping"
	SourcePassthrough   = "passthrough"
)

var ErrEmptyModel = errors.New("model is required")

// Candidate is one upstream target to try for a request.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Source   string `json:"source"`
}

// ResolutionError means a mapping entry could not produce any candidate.
// The router logs it and falls back to passthrough.
type ResolutionError struct {
	Source string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("model mapping %q: %s", e.Source, e.Reason)
}

type wildcardRule struct {
	pattern string
	targets []string
}

type table struct {
	exact           map[string][]string
	wildcards       []wildcardRule
	zaiEnabled      bool
	zai             map[string]string
	defaultProvider string
}

type Router struct {
	tbl atomic.Pointer[table]
}

func New(cfg config.ProxyConfig, defaultProvider string) *Router {
	r := &Router{}
	r.Update(cfg, defaultProvider)
	return r
}

// Update builds a new lookup table from cfg and swaps it in.
func (r *Router) Update(cfg config.ProxyConfig, defaultProvider string) {
	t := &table{
		exact:           map[string][]string{},
		zaiEnabled:      cfg.Zai.Enabled,
		zai:             map[string]string{},
		defaultProvider: defaultProvider,
	}
	for source, targets := range cfg.CustomMapping {
		source = strings.TrimSpace(source)
		chain := append([]string(nil), targets...)
		if strings.Contains(source, "*") {
			t.wildcards = append(t.wildcards, wildcardRule{pattern: source, targets: chain})
			continue
		}
		t.exact[source] = chain
	}
	sort.Slice(t.wildcards, func(i, j int) bool {
		a, b := t.wildcards[i].pattern, t.wildcards[j].pattern
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	if cfg.Zai.Enabled {
		for source, target := range cfg.Zai.ModelMapping {
			t.zai[strings.TrimSpace(source)] = strings.TrimSpace(target)
		}
	}
	r.tbl.Store(t)
}

// Resolve never returns an empty list without an error.
func (r *Router) Resolve(requested string) ([]Candidate, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return nil, ErrEmptyModel
	}
	t := r.tbl.Load()

	if source, chain, ok := t.lookupCustom(requested); ok {
		candidates, err := t.expandChain(source, chain)
		if err == nil {
			return candidates, nil
		}
		slog.Warn("model mapping ignored, using passthrough", "model", requested, "error", err)
	}
	if c, ok := t.zaiCandidate(requested); ok {
		return []Candidate{c}, nil
	}
	return []Candidate{t.passthrough(requested)}, nil
}

// Models lists the names clients can request beyond passthrough.
func (r *Router) Models() []string {
	t := r.tbl.Load()
	names := lo.Keys(t.exact)
	for _, w := range t.wildcards {
		names = append(names, w.pattern)
	}
	if t.zaiEnabled {
		names = append(names, lo.Keys(t.zai)...)
	}
	names = lo.Uniq(names)
	sort.Strings(names)
	return names
}

func (t *table) lookupCustom(requested string) (string, []string, bool) {
	if chain, ok := t.exact[requested]; ok {
		return requested, chain, true
	}
	for _, w := range t.wildcards {
		if MatchWildcard(w.pattern, requested) {
			return w.pattern, w.targets, true
		}
	}
	return "", nil, false
}

func (t *table) expandChain(source string, chain []string) ([]Candidate, error) {
	out := make([]Candidate, 0, len(chain))
	for _, target := range chain {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if c, ok := t.zaiCandidate(target); ok {
			out = append(out, c)
			continue
		}
		kind, model := provider.InferFromModel(target, t.defaultProvider)
		out = append(out, Candidate{Provider: kind, Model: model, Source: SourceCustomMapping})
	}
	if len(out) == 0 {
		return nil, &ResolutionError{Source: source, Reason: "chain has no targets"}
	}
	return out, nil
}

func (t *table) zaiCandidate(model string) (Candidate, bool) {
	if !t.zaiEnabled {
		return Candidate{}, false
	}
	target, ok := t.zai[model]
	if !ok || target == "" {
		return Candidate{}, false
	}
	return Candidate{Provider: provider.Zai, Model: target, Source: SourceZaiMapping}, true
}

func (t *table) passthrough(requested string) Candidate {
	kind, model := provider.InferFromModel(requested, t.defaultProvider)
	return Candidate{Provider: kind, Model: model, Source: SourcePassthrough}
}

// MatchWildcard matches name against a pattern where '*' stands for any
// run of characters, including '/'.
func MatchWildcard(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := name[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return len(rest) >= len(last) && strings.HasSuffix(rest, last)
}
