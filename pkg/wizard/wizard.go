// Package wizard asks for the server settings a first run needs and saves
// them as the poolrouter TOML config.
package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"golang.org/x/crypto/bcrypt"
)

// RunServerWizard prompts on out, reads answers from in, and writes cfg to
// path. An empty answer keeps the current value.
func RunServerWizard(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	p := prompter{in: bufio.NewScanner(in), out: out}
	fmt.Fprintln(out, "Server configuration wizard")
	cfg.ListenAddr = p.ask("Control API listen address", cfg.ListenAddr)
	cfg.DataDir = p.ask("Data directory", cfg.DataDir)

	pwLabel := "Admin password (empty keeps the API loopback only)"
	if cfg.AdminPasswordHash != "" {
		pwLabel = "Admin password (empty keeps the current one, '-' clears it)"
	}
	switch pw := p.ask(pwLabel, ""); pw {
	case "":
	case "-":
		cfg.AdminPasswordHash = ""
	default:
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		cfg.AdminPasswordHash = string(hash)
	}

	keys := p.ask("Proxy API keys clients must send (comma-separated, empty for none)", strings.Join(cfg.ProxyAPIKeys, ","))
	cfg.ProxyAPIKeys = splitCSV(keys)
	cfg.DefaultProvider = p.ask("Default provider ("+strings.Join(provider.Names(), ", ")+")", cfg.DefaultProvider)

	if v, err := strconv.Atoi(p.ask("Account quota refresh interval (seconds)", strconv.Itoa(cfg.RefreshIntervalSeconds))); err == nil && v > 0 {
		cfg.RefreshIntervalSeconds = v
	}

	cfg.Affinity.Backend = p.ask("Sticky session backend (memory, redis)", cfg.Affinity.Backend)
	if strings.EqualFold(strings.TrimSpace(cfg.Affinity.Backend), config.AffinityBackendRedis) {
		cfg.Affinity.RedisURL = p.ask("  redis_url", cfg.Affinity.RedisURL)
	}
	cfg.Metrics.Enabled = parseBool(p.ask("Expose /metrics (true/false)", strconv.FormatBool(cfg.Metrics.Enabled)), cfg.Metrics.Enabled)
	cfg.Telemetry.OTLPEndpoint = p.ask("OTLP trace endpoint (host:port, empty disables)", cfg.Telemetry.OTLPEndpoint)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s\n", path)
	return nil
}

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p prompter) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if !p.in.Scan() {
		return def
	}
	txt := strings.TrimSpace(p.in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true", "1":
		return true
	case "n", "no", "false", "0":
		return false
	}
	return def
}
