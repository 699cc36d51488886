package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ProxyConfigStore holds the live ProxyConfig. Every change is validated
// and persisted before it becomes visible to Snapshot.
type ProxyConfigStore struct {
	mu        sync.RWMutex
	path      string
	cfg       ProxyConfig
	listeners []func(ProxyConfig)
}

func NewProxyConfigStore(path string, cfg ProxyConfig) *ProxyConfigStore {
	cfg.Normalize()
	return &ProxyConfigStore{path: path, cfg: cfg.Clone()}
}

func LoadOrCreateProxyConfigStore(path string) (*ProxyConfigStore, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultProxyConfig()
		if err := SaveProxyConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("write default proxy config: %w", err)
		}
		return NewProxyConfigStore(path, cfg), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxy config: %w", err)
	}
	cfg, err := DecodeProxyConfig(b)
	if err != nil {
		return nil, fmt.Errorf("load proxy config %s: %w", path, err)
	}
	return NewProxyConfigStore(path, cfg), nil
}

func MarshalProxyConfig(cfg ProxyConfig) ([]byte, error) {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func SaveProxyConfig(path string, cfg ProxyConfig) error {
	if path == "" {
		return nil
	}
	b, err := MarshalProxyConfig(cfg)
	if err != nil {
		return fmt.Errorf("encode proxy config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeFileAtomic(path, b)
}

func (s *ProxyConfigStore) Snapshot() ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Subscribe registers fn to be called with every applied config.
func (s *ProxyConfigStore) Subscribe(fn func(ProxyConfig)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *ProxyConfigStore) Update(mutator func(*ProxyConfig) error) (ProxyConfig, error) {
	s.mu.Lock()
	cp := s.cfg.Clone()
	if err := mutator(&cp); err != nil {
		s.mu.Unlock()
		return ProxyConfig{}, err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		s.mu.Unlock()
		return ProxyConfig{}, err
	}
	if err := SaveProxyConfig(s.path, cp); err != nil {
		s.mu.Unlock()
		return ProxyConfig{}, err
	}
	s.cfg = cp
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cp.Clone())
	}
	return cp.Clone(), nil
}

func (s *ProxyConfigStore) Replace(cfg ProxyConfig) (ProxyConfig, error) {
	return s.Update(func(c *ProxyConfig) error {
		*c = cfg.Clone()
		return nil
	})
}

func (s *ProxyConfigStore) Patch(patch []byte) (ProxyConfig, error) {
	return s.Update(func(c *ProxyConfig) error {
		merged, err := MergePatch(*c, patch)
		if err != nil {
			return err
		}
		*c = merged
		return nil
	})
}
