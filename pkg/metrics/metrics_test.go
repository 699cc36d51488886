package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("claude", "claude-x", OutcomeSuccess, 1.5)

	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("claude", "claude-x", OutcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}

func TestRecordTokensSplitsDirection(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("openai", "acct-1", 30, 12)

	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "acct-1", "input")); got != 30 {
		t.Fatalf("expected 30 input tokens, got %v", got)
	}
	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "acct-1", "output")); got != 12 {
		t.Fatalf("expected 12 output tokens, got %v", got)
	}
}

func TestSetProxyRunning(t *testing.T) {
	SetProxyRunning(true)
	if got := testutil.ToFloat64(ProxyRunning); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
	SetProxyRunning(false)
	if got := testutil.ToFloat64(ProxyRunning); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
