package router

import (
	"errors"
	"reflect"
	"testing"

	"github.com/lkarlslund/poolrouter/pkg/config"
)

func testConfig() config.ProxyConfig {
	cfg := config.NewDefaultProxyConfig()
	cfg.CustomMapping = map[string]config.ModelTargets{
		"smart":       {"claude-opus-4", "gpt-4o", "gemini-2.5-pro"},
		"fast":        {"claude-haiku-4"},
		"gpt-4*":      {"claude-sonnet-4-5"},
		"gpt-4o-mini": {"gemini-2.5-flash"},
		"*sonnet*":    {"glm-4.6"},
		"mixed":       {"glm-fast", "claude-sonnet-4-5"},
		"broken":      {},
	}
	cfg.Zai = config.ZaiConfig{
		Enabled:      true,
		BaseURL:      "https://api.z.ai/api/anthropic",
		APIKey:       "z",
		ModelMapping: map[string]string{"glm-fast": "glm-4.5-air", "zai-default": "glm-4.6"},
	}
	return cfg
}

func TestResolveChainPreservesOrder(t *testing.T) {
	r := New(testConfig(), "")
	got, err := r.Resolve("smart")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []Candidate{
		{Provider: "claude", Model: "claude-opus-4", Source: SourceCustomMapping},
		{Provider: "openai", Model: "gpt-4o", Source: SourceCustomMapping},
		{Provider: "gemini", Model: "gemini-2.5-pro", Source: SourceCustomMapping},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestResolveExactBeatsWildcard(t *testing.T) {
	r := New(testConfig(), "")
	got, _ := r.Resolve("gpt-4o-mini")
	if len(got) != 1 || got[0].Model != "gemini-2.5-flash" {
		t.Fatalf("expected exact mapping, got %+v", got)
	}
	got, _ = r.Resolve("gpt-4-turbo")
	if len(got) != 1 || got[0].Model != "claude-sonnet-4-5" {
		t.Fatalf("expected wildcard mapping, got %+v", got)
	}
	got, _ = r.Resolve("claude-3-5-sonnet-latest")
	if len(got) != 1 || got[0].Model != "glm-4.6" || got[0].Provider != "zai" {
		t.Fatalf("expected infix wildcard mapping to glm, got %+v", got)
	}
}

func TestResolveZaiMappingIsSingleCandidate(t *testing.T) {
	r := New(testConfig(), "")
	got, _ := r.Resolve("zai-default")
	want := []Candidate{{Provider: "zai", Model: "glm-4.6", Source: SourceZaiMapping}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	got, _ = r.Resolve("mixed")
	if len(got) != 2 || got[0].Source != SourceZaiMapping || got[0].Model != "glm-4.5-air" || got[1].Provider != "claude" {
		t.Fatalf("expected zai key inside chain to resolve to one zai attempt, got %+v", got)
	}

	cfg := testConfig()
	cfg.Zai.Enabled = false
	r.Update(cfg, "")
	got, _ = r.Resolve("zai-default")
	if len(got) != 1 || got[0].Source != SourcePassthrough {
		t.Fatalf("expected passthrough when zai is disabled, got %+v", got)
	}
}

func TestResolvePassthroughAndBrokenMapping(t *testing.T) {
	r := New(testConfig(), "openai")
	got, err := r.Resolve("some-local-model")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].Model != "some-local-model" || got[0].Provider != "openai" || got[0].Source != SourcePassthrough {
		t.Fatalf("expected passthrough with default provider, got %+v", got)
	}
	got, err = r.Resolve("broken")
	if err != nil {
		t.Fatalf("expected broken mapping to fall back, got %v", err)
	}
	if len(got) != 1 || got[0].Model != "broken" || got[0].Source != SourcePassthrough {
		t.Fatalf("expected passthrough for broken mapping, got %+v", got)
	}
	if _, err := r.Resolve("  "); !errors.Is(err, ErrEmptyModel) {
		t.Fatalf("expected empty model error, got %v", err)
	}
}

func TestMatchWildcard(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"gpt-4*", "gpt-4-turbo", true},
		{"gpt-4*", "gpt-3.5", false},
		{"*sonnet*", "claude-sonnet-4", true},
		{"a*a", "a", false},
		{"a*a", "aba", true},
		{"openai/*", "openai/gpt-4o", true},
		{"exact", "exact", true},
	}
	for _, tc := range cases {
		if got := MatchWildcard(tc.pattern, tc.name); got != tc.want {
			t.Fatalf("match %q %q: expected %v, got %v", tc.pattern, tc.name, tc.want, got)
		}
	}
}

func TestModelsListsMappingSources(t *testing.T) {
	r := New(testConfig(), "")
	models := r.Models()
	for _, want := range []string{"smart", "gpt-4*", "zai-default"} {
		found := false
		for _, m := range models {
			if m == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q in %v", want, models)
		}
	}
}
