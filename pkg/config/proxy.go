package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CleanupTimer  = "timer"
	CleanupMemory = "memory"

	BindLoopback      = "127.0.0.1"
	BindAllInterfaces = "0.0.0.0"
)

// ModelTargets is an ordered fallback chain. On the wire it is either a
// single model name or a list of names.
type ModelTargets []string

var errModelTargets = errors.New("must be a model name or a list of model names")

func (t *ModelTargets) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errModelTargets
		}
		*t = ModelTargets{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return errModelTargets
	}
	*t = ModelTargets(list)
	return nil
}

func (t ModelTargets) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(t))
}

type StickySessionConfig struct {
	Enabled         bool   `json:"enabled"`
	TTL             int    `json:"ttl" validate:"min=60,max=86400"`
	CleanupStrategy string `json:"cleanup_strategy" validate:"oneof=timer memory"`
	CleanupInterval int    `json:"cleanup_interval,omitempty"`
	MemoryThreshold int    `json:"memory_threshold,omitempty"`
}

type TokenManagerConfig struct {
	Enabled             bool  `json:"enabled"`
	DailyLimit          int64 `json:"daily_limit" validate:"min=0"`
	MaxTokensPerRequest int64 `json:"max_tokens_per_request" validate:"min=0"`
}

type ZaiConfig struct {
	Enabled      bool              `json:"enabled"`
	BaseURL      string            `json:"base_url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey       string            `json:"api_key" validate:"required_if=Enabled true"`
	ModelMapping map[string]string `json:"model_mapping"`
}

type ExperimentalConfig struct {
	ThinkingTokens bool `json:"thinking_tokens"`
}

// ProxyConfig is the document edited through the control API and used as
// the export/import format.
type ProxyConfig struct {
	Enabled          bool                    `json:"enabled"`
	Port             int                     `json:"port" validate:"min=1024,max=65535"`
	BindAddress      string                  `json:"bind_address" validate:"oneof=127.0.0.1 0.0.0.0"`
	AutoStart        bool                    `json:"auto_start"`
	CustomMapping    map[string]ModelTargets `json:"custom_mapping"`
	StickySession    StickySessionConfig     `json:"sticky_session"`
	TokenManager     TokenManagerConfig      `json:"token_manager"`
	Timeout          int                     `json:"timeout" validate:"min=10000,max=600000"`
	EnableLogging    bool                    `json:"enable_logging"`
	LogStreamContent bool                    `json:"log_stream_content"`
	UpstreamProxy    string                  `json:"upstream_proxy,omitempty"`
	Zai              ZaiConfig               `json:"zai"`
	Experimental     ExperimentalConfig      `json:"experimental"`
}

func NewDefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Enabled:       true,
		Port:          8045,
		BindAddress:   BindLoopback,
		CustomMapping: map[string]ModelTargets{},
		StickySession: StickySessionConfig{
			Enabled:         true,
			TTL:             3600,
			CleanupStrategy: CleanupTimer,
			CleanupInterval: 300,
			MemoryThreshold: 1000,
		},
		Timeout:       120000,
		EnableLogging: true,
		Zai: ZaiConfig{
			BaseURL:      "https://api.z.ai/api/anthropic",
			ModelMapping: map[string]string{},
		},
	}
}

func (c ProxyConfig) Clone() ProxyConfig {
	cp := c
	cp.CustomMapping = make(map[string]ModelTargets, len(c.CustomMapping))
	for k, v := range c.CustomMapping {
		cp.CustomMapping[k] = append(ModelTargets(nil), v...)
	}
	cp.Zai.ModelMapping = make(map[string]string, len(c.Zai.ModelMapping))
	for k, v := range c.Zai.ModelMapping {
		cp.Zai.ModelMapping[k] = v
	}
	return cp
}

// BaseURL is the address clients use to reach the data plane.
func (c ProxyConfig) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

func (c ProxyConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Normalize fills in missing maps. It never changes values the caller set.
func (c *ProxyConfig) Normalize() {
	if c.CustomMapping == nil {
		c.CustomMapping = map[string]ModelTargets{}
	}
	if c.Zai.ModelMapping == nil {
		c.Zai.ModelMapping = map[string]string{}
	}
}

// DecodeProxyConfig decodes a full document on top of the defaults.
// Unknown keys and type mismatches are reported as ValidationError.
func DecodeProxyConfig(b []byte) (ProxyConfig, error) {
	cfg := NewDefaultProxyConfig()
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return ProxyConfig{}, decodeError(err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return ProxyConfig{}, err
	}
	return cfg, nil
}

// ParseImport decodes an imported document. Beyond full validation it
// requires enabled, port and bind_address to be present.
func ParseImport(b []byte) (ProxyConfig, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return ProxyConfig{}, &ValidationError{Message: "invalid JSON"}
	}
	var enabled bool
	if v, ok := raw["enabled"]; !ok || json.Unmarshal(v, &enabled) != nil {
		return ProxyConfig{}, &ValidationError{Field: "enabled", Message: "must be a boolean"}
	}
	var port float64
	if v, ok := raw["port"]; !ok || json.Unmarshal(v, &port) != nil || port != float64(int(port)) {
		return ProxyConfig{}, &ValidationError{Field: "port", Message: "must be an integer"}
	}
	var bind string
	if v, ok := raw["bind_address"]; !ok || json.Unmarshal(v, &bind) != nil || bind == "" {
		return ProxyConfig{}, &ValidationError{Field: "bind_address", Message: "must be a non-empty string"}
	}
	return DecodeProxyConfig(b)
}

// MergePatch applies a shallow merge: each top level key in patch replaces
// the corresponding key of base wholesale.
func MergePatch(base ProxyConfig, patch []byte) (ProxyConfig, error) {
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return ProxyConfig{}, &ValidationError{Message: "patch must be a JSON object"}
	}
	current, err := json.Marshal(base)
	if err != nil {
		return ProxyConfig{}, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(current, &merged); err != nil {
		return ProxyConfig{}, err
	}
	for k, v := range patchFields {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return ProxyConfig{}, err
	}
	return DecodeProxyConfig(b)
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{Field: typeErr.Field, Message: "must be of type " + typeErr.Type.String()}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &ValidationError{Message: "invalid JSON"}
	}
	if errors.Is(err, errModelTargets) {
		return &ValidationError{Field: "custom_mapping", Message: errModelTargets.Error()}
	}
	const unknownPrefix = "json: unknown field "
	if msg := err.Error(); len(msg) > len(unknownPrefix) && msg[:len(unknownPrefix)] == unknownPrefix {
		field := msg[len(unknownPrefix):]
		if len(field) >= 2 && field[0] == '"' {
			field = field[1 : len(field)-1]
		}
		return &ValidationError{Field: field, Message: "unknown field"}
	}
	return &ValidationError{Message: err.Error()}
}
