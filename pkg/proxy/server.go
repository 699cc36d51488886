package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/logstore"
	"github.com/lkarlslund/poolrouter/pkg/usagedb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statsInterval  = 2 * time.Second
	purgeInterval  = time.Hour
	maxControlBody = 4 << 20
)

type ServerOptions struct {
	Config  *config.ServerConfig
	Service *Service
	Auth    *Authenticator
	// Logs and Usage are optional; their endpoints answer empty lists
	// without them.
	Logs  *logstore.Store
	Usage *usagedb.Store
}

// Server is the control API: lifecycle, config, accounts and the status
// feed.
type Server struct {
	cfg        *config.ServerConfig
	svc        *Service
	auth       *Authenticator
	logs       *logstore.Store
	usage      *usagedb.Store
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Config == nil || opts.Service == nil || opts.Auth == nil {
		return nil, errors.New("control server requires config, service and authenticator")
	}
	s := &Server{
		cfg:   opts.Config,
		svc:   opts.Service,
		auth:  opts.Auth,
		logs:  opts.Logs,
		usage: opts.Usage,
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.Config.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	// No RealIP here: loopback mode and the login lockout key on the
	// connection peer, which forwarding headers must not rewrite.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.With(s.auth.Middleware).Get("/ws", s.handleWebsocket)

		api.Group(func(g chi.Router) {
			g.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
			g.Post("/auth/login", s.handleLogin)

			g.Group(func(p chi.Router) {
				p.Use(s.auth.Middleware)
				p.Post("/auth/logout", s.handleLogout)

				p.Get("/proxy/status", s.handleStatus)
				p.Post("/proxy/start", s.handleStart)
				p.Post("/proxy/stop", s.handleStop)
				p.Post("/proxy/restart", s.handleRestart)
				p.Get("/proxy/config", s.handleGetConfig)
				p.Put("/proxy/config", s.handlePutConfig)
				p.Patch("/proxy/config", s.handlePatchConfig)
				p.Post("/proxy/config/export", s.handleExportConfig)
				p.Post("/proxy/config/import", s.handleImportConfig)
				p.Post("/proxy/sessions/clear", s.handleClearSessions)

				p.Get("/accounts", s.handleListAccounts)
				p.Post("/accounts/refresh", s.handleRefreshAccounts)
				p.Get("/accounts/{id}", s.handleGetAccount)
				p.Patch("/accounts/{id}", s.handleRenameAccount)
				p.Post("/accounts/{id}/refresh", s.handleRefreshAccount)

				p.Get("/dashboard/stats", s.handleDashboardStats)
				p.Get("/budget/usage", s.handleBudgetUsage)
				p.Get("/budget/history", s.handleBudgetHistory)
				p.Get("/system/logs", s.handleSystemLogs)
				p.Get("/system/version", s.handleVersion)
			})
		})
	})
	return r
}

// Run serves the control API until ctx is done. The data plane is left
// to the caller, which owns the Service.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control api: %w", err)
		}
	}()
	go s.backgroundLoop(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// backgroundLoop pushes stats snapshots when they change and purges
// expired token revocations.
func (s *Server) backgroundLoop(ctx context.Context) {
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	var lastVersion uint64
	s.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			st := s.svc.deps.Stats
			if st == nil {
				continue
			}
			v := st.Version()
			if v == lastVersion {
				continue
			}
			lastVersion = v
			s.publishStats(ctx)
		case <-purgeTicker.C:
			s.auth.PurgeExpired()
		}
	}
}

func (s *Server) publishStats(ctx context.Context) {
	s.svc.feed.Publish(Event{Type: EventStats, Data: s.dashboardStats(ctx)})
}
