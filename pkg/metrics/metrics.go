package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolrouter_requests_total",
			Help: "Dispatched requests by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolrouter_request_duration_seconds",
			Help:    "Dispatch duration in seconds, including failover",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolrouter_upstream_attempts_total",
			Help: "Upstream attempts by account and result",
		},
		[]string{"provider", "account", "result"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolrouter_tokens_total",
			Help: "Tokens committed against the budget",
		},
		[]string{"provider", "account", "type"},
	)

	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolrouter_budget_denials_total",
			Help: "Reservations denied by the token budget",
		},
		[]string{"reason"},
	)

	AffinityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolrouter_affinity_lookups_total",
			Help: "Sticky session lookups by result",
		},
		[]string{"result"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolrouter_active_requests",
			Help: "Data plane requests in flight",
		},
	)

	ProxyRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolrouter_proxy_running",
			Help: "1 while the data plane listener is up",
		},
	)
)

const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeTooLarge  = "too_large"
	OutcomeCanceled  = "canceled"
)

func RecordRequest(provider, model, outcome string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordAttempt(provider, account, result string) {
	UpstreamAttempts.WithLabelValues(provider, account, result).Inc()
}

func RecordTokens(provider, account string, inputTokens, outputTokens int64) {
	TokensTotal.WithLabelValues(provider, account, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, account, "output").Add(float64(outputTokens))
}

func RecordBudgetDenial(reason string) {
	BudgetDenials.WithLabelValues(reason).Inc()
}

func RecordAffinity(hit bool) {
	if hit {
		AffinityLookups.WithLabelValues("hit").Inc()
		return
	}
	AffinityLookups.WithLabelValues("miss").Inc()
}

func SetProxyRunning(running bool) {
	if running {
		ProxyRunning.Set(1)
		return
	}
	ProxyRunning.Set(0)
}
