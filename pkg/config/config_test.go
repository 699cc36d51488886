package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestServerConfigTOMLOmitsEmptyFields(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	b, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	s := string(b)
	for _, forbidden := range []string{
		"admin_password_hash = ''",
		"accounts_path = ''",
		"redis_url = ''",
		"otlp_endpoint = ''",
	} {
		if strings.Contains(s, forbidden) {
			t.Fatalf("found unexpected blank field %q in TOML:\n%s", forbidden, s)
		}
	}
}

func TestServerConfigRoundTripAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolrouter.toml")
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if cfg.DefaultProvider != "claude" {
		t.Fatalf("expected default provider claude, got %q", cfg.DefaultProvider)
	}
	cfg.Upstreams = []UpstreamConfig{{Provider: "OpenAI", BaseURL: "http://example.test/v1/"}}
	cfg.ProxyAPIKeys = []string{" a ", "a", "", "b"}
	cfg.Normalize()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := loaded.UpstreamBaseURL("openai"); got != "http://example.test/v1" {
		t.Fatalf("expected upstream override, got %q", got)
	}
	if len(loaded.ProxyAPIKeys) != 2 {
		t.Fatalf("expected deduplicated api keys, got %v", loaded.ProxyAPIKeys)
	}

	bad := NewDefaultServerConfig()
	bad.Affinity.Backend = "redis"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected redis backend without url to fail validation")
	}
}

func TestModelTargetsAcceptStringOrList(t *testing.T) {
	var m map[string]ModelTargets
	if err := json.Unmarshal([]byte(`{"a":"x","b":["y","z"],"c":["w"]}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m["a"]) != 1 || m["a"][0] != "x" {
		t.Fatalf("expected single target, got %v", m["a"])
	}
	if len(m["b"]) != 2 || m["b"][1] != "z" {
		t.Fatalf("expected ordered chain, got %v", m["b"])
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"a":"x"`) || !strings.Contains(string(b), `"b":["y","z"]`) || !strings.Contains(string(b), `"c":"w"`) {
		t.Fatalf("unexpected encoding %s", b)
	}
	if err := json.Unmarshal([]byte(`{"a":42}`), &m); err == nil {
		t.Fatalf("expected numeric target to be rejected")
	}
}

func TestValidateNamesOffendingField(t *testing.T) {
	cases := []struct {
		mutate func(*ProxyConfig)
		field  string
	}{
		{func(c *ProxyConfig) { c.Port = 80 }, "port"},
		{func(c *ProxyConfig) { c.BindAddress = "10.0.0.1" }, "bind_address"},
		{func(c *ProxyConfig) { c.StickySession.TTL = 30 }, "sticky_session.ttl"},
		{func(c *ProxyConfig) { c.StickySession.CleanupInterval = 10 }, "sticky_session.cleanup_interval"},
		{func(c *ProxyConfig) {
			c.StickySession.CleanupStrategy = CleanupMemory
			c.StickySession.MemoryThreshold = 50
		}, "sticky_session.memory_threshold"},
		{func(c *ProxyConfig) { c.Timeout = 1000 }, "timeout"},
		{func(c *ProxyConfig) { c.TokenManager.DailyLimit = -1 }, "token_manager.daily_limit"},
		{func(c *ProxyConfig) { c.UpstreamProxy = "ftp://proxy:21" }, "upstream_proxy"},
		{func(c *ProxyConfig) { c.CustomMapping["gpt-4"] = ModelTargets{} }, "custom_mapping.gpt-4"},
		{func(c *ProxyConfig) { c.Zai.Enabled = true; c.Zai.APIKey = "" }, "zai.api_key"},
	}
	for _, tc := range cases {
		cfg := NewDefaultProxyConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected validation error for %s, got %v", tc.field, err)
		}
		if verr.Field != tc.field {
			t.Fatalf("expected field %q, got %q (%v)", tc.field, verr.Field, verr)
		}
	}
	cfg := NewDefaultProxyConfig()
	cfg.StickySession.CleanupStrategy = CleanupMemory
	cfg.StickySession.CleanupInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected memory strategy to ignore cleanup_interval, got %v", err)
	}
}

func TestClampForcesRanges(t *testing.T) {
	cfg := NewDefaultProxyConfig()
	cfg.Port = 1
	cfg.Timeout = 9999999
	cfg.StickySession.TTL = 5
	cfg.StickySession.MemoryThreshold = 50000
	Clamp(&cfg)
	if cfg.Port != 1024 || cfg.Timeout != 600000 || cfg.StickySession.TTL != 60 || cfg.StickySession.MemoryThreshold != 10000 {
		t.Fatalf("unexpected clamped config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected clamped config to validate, got %v", err)
	}
}

func TestStorePatchThenSnapshotReturnsMerged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-config.json")
	store, err := LoadOrCreateProxyConfigStore(path)
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	if _, err := store.Update(func(c *ProxyConfig) error {
		c.StickySession.CleanupInterval = 600
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	var notified []ProxyConfig
	store.Subscribe(func(c ProxyConfig) { notified = append(notified, c) })

	_, err = store.Patch([]byte(`{"port":9000,"custom_mapping":{"gpt-4":["a","b"]},"sticky_session":{"enabled":false,"ttl":120,"cleanup_strategy":"timer"}}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	got := store.Snapshot()
	if got.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", got.Port)
	}
	if got.BindAddress != BindLoopback || got.Timeout != 120000 {
		t.Fatalf("expected untouched keys to survive, got %+v", got)
	}
	if got.StickySession.CleanupInterval != 300 || got.StickySession.TTL != 120 {
		t.Fatalf("expected nested object to be replaced wholesale, got %+v", got.StickySession)
	}
	if len(got.CustomMapping["gpt-4"]) != 2 {
		t.Fatalf("expected chain to be stored, got %v", got.CustomMapping)
	}
	if len(notified) != 1 || notified[0].Port != 9000 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}

	reloaded, err := LoadOrCreateProxyConfigStore(path)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	if reloaded.Snapshot().Port != 9000 {
		t.Fatalf("expected persisted port 9000, got %d", reloaded.Snapshot().Port)
	}
}

func TestStoreRejectedChangeLeavesConfigUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-config.json")
	store, err := LoadOrCreateProxyConfigStore(path)
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_, err = store.Patch([]byte(`{"port":70000}`))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "port" {
		t.Fatalf("expected port validation error, got %v", err)
	}
	_, err = store.Patch([]byte(`{"no_such_key":true}`))
	if !errors.As(err, &verr) || verr.Field != "no_such_key" {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	if store.Snapshot().Port != 8045 {
		t.Fatalf("expected port to stay 8045, got %d", store.Snapshot().Port)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("expected persisted file to be unchanged")
	}
}

func TestParseImportRequiresCoreFields(t *testing.T) {
	_, err := ParseImport([]byte(`{"port":8045,"bind_address":"127.0.0.1"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "enabled" {
		t.Fatalf("expected missing enabled to be rejected, got %v", err)
	}
	_, err = ParseImport([]byte(`{"enabled":true,"port":80.5,"bind_address":"127.0.0.1"}`))
	if !errors.As(err, &verr) || verr.Field != "port" {
		t.Fatalf("expected fractional port to be rejected, got %v", err)
	}
	_, err = ParseImport([]byte(`{"enabled":true,"port":80,"bind_address":"127.0.0.1"}`))
	if !errors.As(err, &verr) || verr.Field != "port" {
		t.Fatalf("expected out of range port to be rejected, got %v", err)
	}
	_, err = ParseImport([]byte(`not json`))
	if !errors.As(err, &verr) {
		t.Fatalf("expected invalid JSON to be rejected, got %v", err)
	}
	cfg, err := ParseImport([]byte(`{"enabled":false,"port":9100,"bind_address":"0.0.0.0","custom_mapping":{"gpt-4*":"claude-opus-4"}}`))
	if err != nil {
		t.Fatalf("expected valid import, got %v", err)
	}
	if cfg.Port != 9100 || cfg.Enabled || cfg.CustomMapping["gpt-4*"][0] != "claude-opus-4" {
		t.Fatalf("unexpected imported config %+v", cfg)
	}
}
