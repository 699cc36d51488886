package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/logstore"
	"github.com/lkarlslund/poolrouter/pkg/version"
)

func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		return nil, badRequest("read request body: %v", err)
	}
	return b, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, badRequest("invalid login request"))
		return
	}
	token, exp, err := s.auth.Login(remoteHost(r), req.Password)
	switch {
	case errors.Is(err, errAuthDisabled):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, errLoginLocked):
		w.Header().Set("Retry-After", strconv.Itoa(int(loginWindow.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": exp.UTC()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if claims := claimsFrom(r.Context()); claims != nil {
		if err := s.auth.Revoke(claims); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	b, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var override *config.ProxyConfig
	if len(bytes.TrimSpace(b)) > 0 {
		cfg, err := config.DecodeProxyConfig(b)
		if err != nil {
			writeError(w, err)
			return
		}
		override = &cfg
	}
	st, err := s.svc.Start(r.Context(), override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Restart(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.deps.Config.Snapshot())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	b, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := config.DecodeProxyConfig(b)
	if err != nil {
		writeError(w, err)
		return
	}
	applied, err := s.svc.deps.Config.Replace(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	b, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	applied, err := s.svc.deps.Config.Patch(b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handleExportConfig(w http.ResponseWriter, _ *http.Request) {
	b, err := config.MarshalProxyConfig(s.svc.deps.Config.Snapshot())
	if err != nil {
		writeError(w, err)
		return
	}
	name := fmt.Sprintf("proxy-config-%s.json", s.svc.deps.Now().UTC().Format(time.DateOnly))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// handleImportConfig takes the document from the multipart field "file"
// or, for scripted clients, from the raw body.
func (s *Server) handleImportConfig(w http.ResponseWriter, r *http.Request) {
	var b []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxControlBody); err != nil {
			writeError(w, badRequest("invalid multipart form: %v", err))
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, badRequest("No file uploaded"))
			return
		}
		defer f.Close()
		b, err = io.ReadAll(io.LimitReader(f, maxControlBody))
		if err != nil {
			writeError(w, badRequest("read uploaded file: %v", err))
			return
		}
	} else {
		var err error
		if b, err = readBody(r); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		writeError(w, badRequest("No file uploaded"))
		return
	}
	cfg, err := config.ParseImport(b)
	if err != nil {
		writeError(w, err)
		return
	}
	applied, err := s.svc.deps.Config.Replace(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearSessions(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_sessions": s.svc.dispatcher.ActiveSessions(r.Context())})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	pool := s.svc.deps.Pool
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":           pool.List(),
		"current_account_id": pool.CurrentAccountID(),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	v, ok := s.svc.deps.Pool.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, accounts.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRenameAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name *string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil || req.Name == nil {
		writeError(w, badRequest("body must be {\"name\": string}"))
		return
	}
	v, err := s.svc.deps.Pool.Rename(chi.URLParam(r, "id"), *req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.deps.Pool.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRefreshAccounts(w http.ResponseWriter, r *http.Request) {
	pool := s.svc.deps.Pool
	resp := map[string]any{}
	if err := pool.RefreshAll(r.Context()); err != nil {
		// Partial failures still leave the other accounts refreshed.
		resp["error"] = err.Error()
	}
	resp["accounts"] = pool.List()
	resp["current_account_id"] = pool.CurrentAccountID()
	writeJSON(w, http.StatusOK, resp)
}

type DashboardStats struct {
	TotalAccounts     int    `json:"total_accounts"`
	ActiveAccounts    int    `json:"active_accounts"`
	ProxyStatus       Status `json:"proxy_status"`
	TotalRequests     int64  `json:"total_requests"`
	TotalTokens       int64  `json:"total_tokens"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
	TokensToday       int64  `json:"tokens_today"`
	DailyLimit        int64  `json:"daily_limit"`
}

func (s *Server) dashboardStats(ctx context.Context) DashboardStats {
	d := s.svc.deps
	out := DashboardStats{
		TotalAccounts:  d.Pool.Len(),
		ActiveAccounts: d.Pool.ActiveCount(),
		ProxyStatus:    s.svc.Status(ctx),
		TokensToday:    d.Budget.Usage().Global,
	}
	if l := d.Budget.Limits(); l.Enabled {
		out.DailyLimit = l.DailyLimit
	}
	if d.Stats != nil {
		t := d.Stats.Totals()
		out.TotalRequests = t.Requests
		out.TotalTokens = t.Tokens
		out.RequestsPerMinute = d.Stats.RequestsPerMinute()
	}
	return out
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboardStats(r.Context()))
}

func (s *Server) handleBudgetUsage(w http.ResponseWriter, _ *http.Request) {
	b := s.svc.deps.Budget
	l := b.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": b.Usage(),
		"limits": map[string]any{
			"enabled":                l.Enabled,
			"daily_limit":            l.DailyLimit,
			"max_tokens_per_request": l.MaxPerRequest,
		},
	})
}

func (s *Server) handleBudgetHistory(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 30)
	if err != nil {
		writeError(w, err)
		return
	}
	history := []budget.DayUsage{}
	if s.usage != nil {
		if history, err = s.usage.History(days); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": history})
}

func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 200)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := []logstore.Entry{}
	if s.logs != nil {
		entries = s.logs.List(logstore.ListFilter{
			Level: r.URL.Query().Get("level"),
			Query: r.URL.Query().Get("q"),
			Limit: limit,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.svc.feed.Subscribe(ctx)

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
