package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/admindb"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/logstore"
	"github.com/lkarlslund/poolrouter/pkg/logutil"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/lkarlslund/poolrouter/pkg/proxy"
	"github.com/lkarlslund/poolrouter/pkg/stats"
	"github.com/lkarlslund/poolrouter/pkg/telemetry"
	"github.com/lkarlslund/poolrouter/pkg/tokens"
	"github.com/lkarlslund/poolrouter/pkg/usagedb"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const (
	envAdminPassword = "POOLROUTER_ADMIN_PASSWORD"
	envRedisURL      = "POOLROUTER_REDIS_URL"
	statsKeep        = 5000
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveDataDirOverride    string
	serveNoAutoStart        bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and, when configured, the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = serveDataDirOverride
			}
			if v := strings.TrimSpace(os.Getenv(envRedisURL)); v != "" {
				cfg.Affinity.Backend = config.AffinityBackendRedis
				cfg.Affinity.RedisURL = v
			}
			if cfg.AdminPasswordHash == "" {
				if pw := os.Getenv(envAdminPassword); pw != "" {
					hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
					if err != nil {
						return fmt.Errorf("hash admin password: %w", err)
					}
					cfg.AdminPasswordHash = string(hash)
				}
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("server config: %w", err)
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, !serveNoAutoStart)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override control API listen address (e.g. 127.0.0.1:8046)")
	serveCmd.Flags().StringVar(&serveDataDirOverride, "data-dir", "", "Override data directory")
	serveCmd.Flags().BoolVar(&serveNoAutoStart, "no-auto-start", false, "Do not start the proxy even when auto_start is set")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.ServerConfig, autoStart bool) error {
	logs := logstore.NewStore(cfg.LogsFile(), cfg.Logs.MaxLines)
	logutil.SetOutputTee(logs.Writer())
	defer func() {
		logutil.SetOutputTee(nil)
		logs.Flush()
	}()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	store, err := config.LoadOrCreateProxyConfigStore(cfg.ProxyConfigFile())
	if err != nil {
		return fmt.Errorf("load proxy config: %w", err)
	}

	pool, err := accounts.Open(accounts.Options{
		Path:    cfg.AccountsFile(),
		Fetcher: provider.NewQuotaFetcher(0),
		BaseURL: cfg.UpstreamBaseURL,
	})
	if err != nil {
		return err
	}
	slog.Info("loaded accounts", "count", pool.Len(), "path", cfg.AccountsFile())

	usage := usagedb.New(cfg.UsageDir())
	enforcer := budget.New(budget.Options{
		Archiver: usage,
		Path:     cfg.BudgetFile(),
	})
	statsStore := stats.NewPersistentStore(statsKeep, cfg.StatsFile())

	var redisClient *redis.Client
	if cfg.Affinity.Backend == config.AffinityBackendRedis {
		opts, err := redis.ParseURL(cfg.Affinity.RedisURL)
		if err != nil {
			return fmt.Errorf("parse affinity.redis_url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pctx).Err(); err != nil {
			slog.Warn("redis not reachable, sticky sessions fall back to pool selection until it is", "error", err)
		}
		cancel()
	}

	db, err := admindb.Open(cfg.AdminDBFile())
	if err != nil {
		return err
	}
	defer db.Close()
	auth, err := proxy.NewAuthenticator(db, cfg.AdminPasswordHash)
	if err != nil {
		return err
	}
	if !auth.Enabled() {
		slog.Warn("no admin password configured, control API only answers loopback clients", "env", envAdminPassword)
	}

	svc, err := proxy.NewService(proxy.Deps{
		Server:    cfg,
		Config:    store,
		Pool:      pool,
		Budget:    enforcer,
		Stats:     statsStore,
		Estimator: tokens.Default(),
		Redis:     redisClient,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("proxy shutdown", "error", err)
		}
		statsStore.Flush()
		if err := enforcer.Flush(); err != nil {
			slog.Warn("flush budget ledger", "error", err)
		}
		if err := pool.Save(); err != nil {
			slog.Warn("save accounts", "error", err)
		}
	}()

	go enforcer.Run(ctx)
	health := accounts.NewHealthRunner(pool, time.Duration(cfg.RefreshIntervalSeconds)*time.Second)
	go health.Run(ctx)

	if pc := store.Snapshot(); autoStart && pc.Enabled && pc.AutoStart {
		if st, err := svc.Start(ctx, nil); err != nil {
			slog.Error("auto start failed", "error", err)
		} else {
			slog.Info("proxy auto started", "base_url", st.BaseURL)
		}
	}

	srv, err := proxy.NewServer(proxy.ServerOptions{
		Config:  cfg,
		Service: svc,
		Auth:    auth,
		Logs:    logs,
		Usage:   usage,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
