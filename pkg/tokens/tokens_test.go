package tokens

import (
	"net/http"
	"strings"
	"testing"
)

func TestEstimateRequestAddsOutputCapAndThinking(t *testing.T) {
	e := Default()
	body := []byte(`{"model":"claude-x","max_tokens":100,"thinking":{"type":"enabled","budget_tokens":50},"messages":[{"role":"user","content":"hello world"}]}`)
	base := e.EstimateRequest(body, false)
	if base <= 100 {
		t.Fatalf("expected prompt tokens on top of max_tokens, got %d", base)
	}
	withThinking := e.EstimateRequest(body, true)
	if withThinking != base+50 {
		t.Fatalf("expected thinking budget to add 50, got %d vs %d", withThinking, base)
	}
}

func TestEstimateRequestInvalidBody(t *testing.T) {
	if got := Default().EstimateRequest([]byte("not json"), true); got != 0 {
		t.Fatalf("expected 0 for invalid body, got %d", got)
	}
}

func TestPromptTextCoversShapes(t *testing.T) {
	e := Default()
	body := []byte(`{
		"system":[{"type":"text","text":"be brief"}],
		"messages":[
			{"role":"user","content":[{"type":"text","text":"first"},{"type":"image"}]},
			{"role":"assistant","content":"second"}
		]
	}`)
	got := e.EstimateRequest(body, false)
	if got == 0 {
		t.Fatalf("expected non-zero estimate")
	}
	responses := []byte(`{"instructions":"sys","input":[{"role":"user","content":[{"type":"input_text","text":"hi there"}]}]}`)
	if e.EstimateRequest(responses, false) == 0 {
		t.Fatalf("expected responses api input to be counted")
	}
}

func TestRuneFallback(t *testing.T) {
	var e *Estimator
	if got := e.Count("abcdefgh"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := e.Count("   "); got != 0 {
		t.Fatalf("expected 0 for blank text, got %d", got)
	}
}

func TestParseUsageShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Usage
	}{
		{"openai", `{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{"anthropic", `{"usage":{"input_tokens":7,"output_tokens":3}}`, Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}},
		{"gemini", `{"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`, Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10}},
		{"none", `{"id":"x"}`, Usage{}},
	}
	for _, tc := range cases {
		if got := ParseUsage([]byte(tc.body)); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestSSEUsageParserMergesAnthropicEvents(t *testing.T) {
	p := NewSSEUsageParser(Default())
	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":1}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","usage":{"output_tokens":15}}`,
		``,
	}, "\n")
	// split mid-line to exercise buffering
	p.Consume([]byte(stream[:40]))
	p.Consume([]byte(stream[40:]))
	u := p.Usage()
	if u.PromptTokens != 25 || u.CompletionTokens != 15 || u.TotalTokens != 40 {
		t.Fatalf("expected 25/15/40, got %+v", u)
	}
}

func TestSSEUsageParserEstimatesWithoutUsage(t *testing.T) {
	p := NewSSEUsageParser(nil)
	p.Consume([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"abcdefgh\"}}]}\n\ndata: [DONE]\n\n"))
	u := p.Usage()
	if u.Known() {
		t.Fatalf("expected no reported usage, got %+v", u)
	}
	if u.Tokens() != 2 {
		t.Fatalf("expected estimated 2 tokens, got %d", u.Tokens())
	}
}

func TestSessionKeyOrder(t *testing.T) {
	body := []byte(`{"metadata":{"user_id":"u-1"},"messages":[{"role":"user","content":"hi"}]}`)
	h := http.Header{}
	h.Set(HeaderConversationID, "conv")
	if got := SessionKey(h, body); got != "conv" {
		t.Fatalf("expected conversation header, got %q", got)
	}
	h.Set(HeaderSessionID, "sess")
	if got := SessionKey(h, body); got != "sess" {
		t.Fatalf("expected session header to win, got %q", got)
	}
	if got := SessionKey(http.Header{}, body); got != "user:u-1" {
		t.Fatalf("expected metadata user id, got %q", got)
	}
}

func TestSessionKeyFromFirstUserMessage(t *testing.T) {
	a := SessionKey(http.Header{}, []byte(`{"messages":[{"role":"system","content":"s"},{"role":"user","content":"same start"}]}`))
	b := SessionKey(http.Header{}, []byte(`{"messages":[{"role":"user","content":"same start"},{"role":"assistant","content":"x"},{"role":"user","content":"more"}]}`))
	if a == "" || a != b {
		t.Fatalf("expected stable key from first user message, got %q and %q", a, b)
	}
	if got := SessionKey(http.Header{}, []byte(`{"prompt":"x"}`)); got != "" {
		t.Fatalf("expected no key, got %q", got)
	}
}
