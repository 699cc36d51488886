package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/poolrouter/pkg/budget"
	"github.com/lkarlslund/poolrouter/pkg/dispatch"
	"github.com/lkarlslund/poolrouter/pkg/metrics"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/lkarlslund/poolrouter/pkg/router"
	"github.com/lkarlslund/poolrouter/pkg/telemetry"
	"github.com/lkarlslund/poolrouter/pkg/tokens"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/propagation"
)

const maxRequestBody = 32 << 20

var dispatchedPaths = []string{"/messages", "/chat/completions", "/completions", "/responses"}

// dataPlane builds the client facing handler of one started instance.
func (s *Service) dataPlane(in *instance) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(in.lifecycleMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.apiKeyMiddleware)
		v1.Get("/models", s.handleModels)
		for _, p := range dispatchedPaths {
			v1.Post(p, s.handleDispatch(in))
		}
	})
	return r
}

func (in *instance) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && in.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			in.active.Add(1)
			defer in.active.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog follows enable_logging of the live config.
func (s *Service) accessLog(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.liveConfig().EnableLogging {
			logged.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware accepts a configured key as bearer token or x-api-key.
// Without configured keys every client is accepted.
func (s *Service) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := s.deps.Server.ProxyAPIKeys
		if len(keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		got := bearerToken(r.Header)
		if got == "" {
			got = strings.TrimSpace(r.Header.Get("x-api-key"))
		}
		ok := got != "" && lo.ContainsBy(keys, func(k string) bool {
			return subtle.ConstantTimeCompare([]byte(k), []byte(got)) == 1
		})
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid api key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Service) handleModels(w http.ResponseWriter, _ *http.Request) {
	created := s.deps.Now().Unix()
	cards := lo.Map(s.router.Models(), func(id string, _ int) modelCard {
		kind, _ := provider.InferFromModel(id, s.deps.Server.DefaultProvider)
		return modelCard{ID: id, Object: "model", Created: created, OwnedBy: kind}
	})
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func (s *Service) handleDispatch(in *instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "read request body: "+err.Error(), nil)
			return
		}
		if !gjson.ValidBytes(body) {
			writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "request body must be JSON", nil)
			return
		}

		// Calls end with the client request or when the instance stops.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(in.ctx, cancel)
		defer stop()
		ctx = telemetry.Extract(ctx, propagation.HeaderCarrier(r.Header))

		start := time.Now()
		resp, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
			Path:       r.URL.Path,
			Body:       body,
			Header:     r.Header,
			SessionKey: tokens.SessionKey(r.Header, body),
			Stream:     gjson.GetBytes(body, "stream").Bool(),
		})
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		defer resp.Close()
		if err := resp.Relay(w); err != nil {
			slog.Warn("relay response", "path", r.URL.Path, "account", resp.AccountID, "error", err)
			return
		}
		if s.liveConfig().EnableLogging {
			slog.Info("request served",
				"path", r.URL.Path,
				"provider", resp.Candidate.Provider,
				"model", resp.Candidate.Model,
				"account", resp.AccountID,
				"attempts", len(resp.Attempts)+1,
				"tokens", resp.Usage.Tokens(),
				"duration", time.Since(start).Round(time.Millisecond),
			)
		}
	}
}

// writeDispatchError answers in the OpenAI error shape most clients parse.
func writeDispatchError(w http.ResponseWriter, err error) {
	var (
		denied    *budget.DeniedError
		exhausted *dispatch.UpstreamExhaustedError
	)
	switch {
	case errors.Is(err, router.ErrEmptyModel):
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error(), nil)
	case errors.As(err, &denied) && budget.IsRequestTooLarge(err):
		writeAPIError(w, http.StatusRequestEntityTooLarge, "request_too_large", denied.Error(), nil)
	case errors.As(err, &exhausted):
		writeAPIError(w, http.StatusBadGateway, "upstream_exhausted", exhausted.Error(), exhausted.Attempts)
	case errors.Is(err, context.Canceled):
		writeAPIError(w, http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	default:
		slog.Error("dispatch failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}

func writeAPIError(w http.ResponseWriter, status int, typ, msg string, attempts []dispatch.Attempt) {
	body := map[string]any{"message": msg, "type": typ}
	if len(attempts) > 0 {
		body["attempts"] = attempts
	}
	writeJSON(w, status, map[string]any{"error": body})
}
