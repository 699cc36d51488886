package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// ValidationError names the offending field by its JSON path. A config that
// fails validation is never applied.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Message
	}
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Message)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func proxyValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterStructValidation(validateStickySession, StickySessionConfig{})
		validate = v
	})
	return validate
}

// validateStickySession checks the fields that only apply to the selected
// eviction strategy.
func validateStickySession(sl validator.StructLevel) {
	s := sl.Current().Interface().(StickySessionConfig)
	switch s.CleanupStrategy {
	case CleanupTimer:
		if s.CleanupInterval < 60 || s.CleanupInterval > 3600 {
			sl.ReportError(s.CleanupInterval, "cleanup_interval", "CleanupInterval", "range", "60 3600")
		}
	case CleanupMemory:
		if s.MemoryThreshold < 100 || s.MemoryThreshold > 10000 {
			sl.ReportError(s.MemoryThreshold, "memory_threshold", "MemoryThreshold", "range", "100 10000")
		}
	}
}

func (c ProxyConfig) Validate() error {
	if err := proxyValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &ValidationError{Message: err.Error()}
	}
	for _, source := range sortedKeys(c.CustomMapping) {
		targets := c.CustomMapping[source]
		field := "custom_mapping." + source
		if strings.TrimSpace(source) == "" {
			return &ValidationError{Field: "custom_mapping", Message: "source model cannot be empty"}
		}
		if len(targets) == 0 {
			return &ValidationError{Field: field, Message: "must name at least one target model"}
		}
		for _, t := range targets {
			if strings.TrimSpace(t) == "" {
				return &ValidationError{Field: field, Message: "target model cannot be empty"}
			}
		}
		if uniq := lo.Uniq(targets); len(uniq) != len(targets) {
			slog.Warn("custom mapping chain repeats a target", "source", source, "targets", []string(targets))
		}
	}
	for _, source := range sortedKeys(c.Zai.ModelMapping) {
		if strings.TrimSpace(source) == "" || strings.TrimSpace(c.Zai.ModelMapping[source]) == "" {
			return &ValidationError{Field: "zai.model_mapping." + source, Message: "source and target cannot be empty"}
		}
	}
	if c.UpstreamProxy != "" {
		u, err := url.Parse(c.UpstreamProxy)
		if err != nil || u.Host == "" {
			return &ValidationError{Field: "upstream_proxy", Message: "must be a URL"}
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "socks5":
		default:
			return &ValidationError{Field: "upstream_proxy", Message: "scheme must be http, https or socks5"}
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	var msg string
	switch fe.Tag() {
	case "min":
		msg = "must be at least " + fe.Param()
	case "max":
		msg = "must be at most " + fe.Param()
	case "oneof":
		msg = "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "range":
		bounds := strings.Fields(fe.Param())
		msg = fmt.Sprintf("must be between %s and %s", bounds[0], bounds[1])
	case "required", "required_if":
		msg = "is required"
	case "url":
		msg = "must be a URL"
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	return &ValidationError{Field: field, Message: msg}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// Clamp forces every numeric field into its allowed range. It is used at
// the editing boundary. The core validates and rejects instead.
func Clamp(c *ProxyConfig) {
	c.Port = clampInt(c.Port, 1024, 65535)
	c.StickySession.TTL = clampInt(c.StickySession.TTL, 60, 86400)
	c.StickySession.CleanupInterval = clampInt(c.StickySession.CleanupInterval, 60, 3600)
	c.StickySession.MemoryThreshold = clampInt(c.StickySession.MemoryThreshold, 100, 10000)
	c.Timeout = clampInt(c.Timeout, 10000, 600000)
	if c.TokenManager.DailyLimit < 0 {
		c.TokenManager.DailyLimit = 0
	}
	if c.TokenManager.MaxTokensPerRequest < 0 {
		c.TokenManager.MaxTokensPerRequest = 0
	}
	if c.BindAddress != BindLoopback && c.BindAddress != BindAllInterfaces {
		c.BindAddress = BindLoopback
	}
	if c.StickySession.CleanupStrategy != CleanupTimer && c.StickySession.CleanupStrategy != CleanupMemory {
		c.StickySession.CleanupStrategy = CleanupTimer
	}
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
