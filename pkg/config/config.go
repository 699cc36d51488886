package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "poolrouter.toml"

	AffinityBackendMemory = "memory"
	AffinityBackendRedis  = "redis"
)

type UpstreamConfig struct {
	Provider string `toml:"provider"`
	BaseURL  string `toml:"base_url"`
}

type AffinityConfig struct {
	Backend   string `toml:"backend"`
	RedisURL  string `toml:"redis_url,omitempty"`
	KeyPrefix string `toml:"key_prefix,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint,omitempty"`
	ServiceName  string `toml:"service_name,omitempty"`
}

type LogsConfig struct {
	MaxLines int `toml:"max_lines,omitempty"`
}

// ServerConfig is the process level configuration. The proxy settings
// edited through the control API live in ProxyConfig.
type ServerConfig struct {
	ListenAddr             string           `toml:"listen_addr"`
	AdminPasswordHash      string           `toml:"admin_password_hash,omitempty"`
	ProxyAPIKeys           []string         `toml:"proxy_api_keys"`
	DefaultProvider        string           `toml:"default_provider"`
	DataDir                string           `toml:"data_dir"`
	AccountsPath           string           `toml:"accounts_path,omitempty"`
	ProxyConfigPath        string           `toml:"proxy_config_path,omitempty"`
	RefreshIntervalSeconds int              `toml:"refresh_interval_seconds"`
	Upstreams              []UpstreamConfig `toml:"upstreams"`
	Affinity               AffinityConfig   `toml:"affinity"`
	Metrics                MetricsConfig    `toml:"metrics"`
	Telemetry              TelemetryConfig  `toml:"telemetry"`
	Logs                   LogsConfig       `toml:"logs"`
}

type ClientConfig struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token,omitempty"`
	ProxyURL  string `toml:"proxy_url,omitempty"`
	APIKey    string `toml:"api_key,omitempty"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "poolrouter", defaultConfigFileName)
}

func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "poolctl.toml"
	}
	return filepath.Join(home, ".config", "poolrouter", "poolctl.toml")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "poolrouter-data"
	}
	return filepath.Join(home, ".local", "share", "poolrouter")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:             "127.0.0.1:8046",
		ProxyAPIKeys:           []string{},
		DefaultProvider:        provider.Claude,
		DataDir:                DefaultDataDir(),
		RefreshIntervalSeconds: 900,
		Upstreams:              []UpstreamConfig{},
		Affinity: AffinityConfig{
			Backend:   AffinityBackendMemory,
			KeyPrefix: "poolrouter:affinity:",
		},
		Metrics: MetricsConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			ServiceName: "poolrouter",
		},
		Logs: LogsConfig{MaxLines: 2000},
	}
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL: "http://127.0.0.1:8046",
		ProxyURL:  "http://127.0.0.1:8045/v1",
	}
}

func (c *ServerConfig) AccountsFile() string {
	if c.AccountsPath != "" {
		return c.AccountsPath
	}
	return filepath.Join(c.DataDir, "accounts.json")
}

func (c *ServerConfig) ProxyConfigFile() string {
	if c.ProxyConfigPath != "" {
		return c.ProxyConfigPath
	}
	return filepath.Join(c.DataDir, "proxy-config.json")
}

func (c *ServerConfig) AdminDBFile() string {
	return filepath.Join(c.DataDir, "admin.db")
}

func (c *ServerConfig) BudgetFile() string {
	return filepath.Join(c.DataDir, "budget-ledger.json")
}

func (c *ServerConfig) StatsFile() string {
	return filepath.Join(c.DataDir, "stats.json")
}

func (c *ServerConfig) LogsFile() string {
	return filepath.Join(c.DataDir, "system-logs.json")
}

func (c *ServerConfig) UsageDir() string {
	return filepath.Join(c.DataDir, "usage")
}

// UpstreamBaseURL returns the configured base URL override for a provider
// kind, or the built in default.
func (c *ServerConfig) UpstreamBaseURL(kind string) string {
	for _, u := range c.Upstreams {
		if u.Provider == kind && u.BaseURL != "" {
			return u.BaseURL
		}
	}
	return provider.DefaultBaseURL(kind)
}

func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := MarshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	return writeFileAtomic(path, b)
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func MarshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8046"
	}
	c.AdminPasswordHash = strings.TrimSpace(c.AdminPasswordHash)
	c.DefaultProvider = strings.ToLower(strings.TrimSpace(c.DefaultProvider))
	if c.DefaultProvider == "" {
		c.DefaultProvider = provider.Claude
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.AccountsPath = strings.TrimSpace(c.AccountsPath)
	c.ProxyConfigPath = strings.TrimSpace(c.ProxyConfigPath)
	if c.RefreshIntervalSeconds <= 0 {
		c.RefreshIntervalSeconds = 900
	}
	keySeen := map[string]struct{}{}
	keys := make([]string, 0, len(c.ProxyAPIKeys))
	for _, k := range c.ProxyAPIKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := keySeen[k]; ok {
			continue
		}
		keySeen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.ProxyAPIKeys = keys
	for i := range c.Upstreams {
		c.Upstreams[i].Provider = strings.ToLower(strings.TrimSpace(c.Upstreams[i].Provider))
		c.Upstreams[i].BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstreams[i].BaseURL), "/")
	}
	sort.SliceStable(c.Upstreams, func(i, j int) bool { return c.Upstreams[i].Provider < c.Upstreams[j].Provider })
	c.Affinity.Backend = strings.ToLower(strings.TrimSpace(c.Affinity.Backend))
	if c.Affinity.Backend == "" {
		c.Affinity.Backend = AffinityBackendMemory
	}
	c.Affinity.RedisURL = strings.TrimSpace(c.Affinity.RedisURL)
	if c.Affinity.KeyPrefix == "" {
		c.Affinity.KeyPrefix = "poolrouter:affinity:"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "poolrouter"
	}
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 2000
	}
}

func (c *ServerConfig) Validate() error {
	if !provider.Known(c.DefaultProvider) {
		return fmt.Errorf("default_provider %q is not one of %s", c.DefaultProvider, strings.Join(provider.Names(), ", "))
	}
	seen := map[string]struct{}{}
	for _, u := range c.Upstreams {
		if !provider.Known(u.Provider) {
			return fmt.Errorf("upstreams: unknown provider %q", u.Provider)
		}
		if _, ok := seen[u.Provider]; ok {
			return fmt.Errorf("upstreams: duplicate provider %q", u.Provider)
		}
		seen[u.Provider] = struct{}{}
		if u.BaseURL == "" {
			return fmt.Errorf("upstreams: provider %q base_url cannot be empty", u.Provider)
		}
	}
	switch c.Affinity.Backend {
	case AffinityBackendMemory:
	case AffinityBackendRedis:
		if c.Affinity.RedisURL == "" {
			return errors.New("affinity.redis_url is required when affinity.backend=redis")
		}
	default:
		return errors.New("affinity.backend must be one of memory, redis")
	}
	if c.Logs.MaxLines < 100 {
		return errors.New("logs.max_lines must be >= 100")
	}
	if c.Logs.MaxLines > 200000 {
		return errors.New("logs.max_lines must be <= 200000")
	}
	return nil
}

func (c *ClientConfig) Normalize() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	c.ProxyURL = strings.TrimRight(strings.TrimSpace(c.ProxyURL), "/")
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.ServerURL == "" {
		c.ServerURL = "http://127.0.0.1:8046"
	}
	if c.ProxyURL == "" {
		c.ProxyURL = "http://127.0.0.1:8045/v1"
	}
}

func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url cannot be empty")
	}
	return nil
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.ProxyAPIKeys = append([]string(nil), s.cfg.ProxyAPIKeys...)
	cp.Upstreams = append([]UpstreamConfig(nil), s.cfg.Upstreams...)
	return cp
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.ProxyAPIKeys = append([]string(nil), s.cfg.ProxyAPIKeys...)
	cp.Upstreams = append([]UpstreamConfig(nil), s.cfg.Upstreams...)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}
