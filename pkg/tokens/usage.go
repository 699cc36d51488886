package tokens

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Usage is what an upstream reported it consumed for one response.
// EstimatedCompletion is filled from streamed text when no usage block
// was seen.
type Usage struct {
	PromptTokens        int64
	CompletionTokens    int64
	TotalTokens         int64
	EstimatedCompletion int64
}

func (u Usage) Known() bool { return u.TotalTokens > 0 }

// Tokens returns the reported total, or the completion estimate when
// nothing was reported.
func (u Usage) Tokens() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens + u.EstimatedCompletion
}

var usagePaths = []string{"usage", "message.usage", "response.usage", "usageMetadata"}

// ParseUsage reads the usage block of a non streaming response body or of
// a single stream event.
func ParseUsage(body []byte) Usage {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Usage{}
	}
	root := gjson.ParseBytes(body)
	for _, p := range usagePaths {
		if u, ok := usageFields(root.Get(p)); ok {
			return u
		}
	}
	return Usage{}
}

func usageFields(v gjson.Result) (Usage, bool) {
	if !v.IsObject() {
		return Usage{}, false
	}
	u := Usage{
		PromptTokens:     first(v, "input_tokens", "prompt_tokens", "promptTokenCount"),
		CompletionTokens: first(v, "output_tokens", "completion_tokens", "candidatesTokenCount"),
		TotalTokens:      first(v, "total_tokens", "totalTokenCount"),
	}
	u.PromptTokens += first(v, "cache_creation_input_tokens") + first(v, "cache_read_input_tokens")
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return Usage{}, false
	}
	if u.TotalTokens < u.PromptTokens+u.CompletionTokens {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u, true
}

func first(v gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if n := v.Get(k).Int(); n > 0 {
			return n
		}
	}
	return 0
}

// SSEUsageParser follows a server-sent event stream and keeps the largest
// usage figures seen. Anthropic splits usage between message_start and
// message_delta, so prompt and completion are merged independently.
type SSEUsageParser struct {
	pending   []byte
	usage     Usage
	estimator *Estimator
	text      strings.Builder
}

func NewSSEUsageParser(e *Estimator) *SSEUsageParser {
	return &SSEUsageParser{pending: make([]byte, 0, 1024), estimator: e}
}

func (p *SSEUsageParser) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.pending = append(p.pending, chunk...)
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(p.pending[:idx]))
		p.pending = p.pending[idx+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		p.merge(ParseUsage([]byte(data)))
		p.collectText([]byte(data))
	}
}

func (p *SSEUsageParser) merge(u Usage) {
	p.usage.PromptTokens = max(p.usage.PromptTokens, u.PromptTokens)
	p.usage.CompletionTokens = max(p.usage.CompletionTokens, u.CompletionTokens)
	p.usage.TotalTokens = max(p.usage.TotalTokens, u.TotalTokens, p.usage.PromptTokens+p.usage.CompletionTokens)
}

func (p *SSEUsageParser) collectText(data []byte) {
	if p.usage.TotalTokens > 0 || !gjson.ValidBytes(data) {
		return
	}
	root := gjson.ParseBytes(data)
	for _, path := range []string{"delta.text", "choices.0.delta.content", "choices.0.text"} {
		if s := root.Get(path).String(); s != "" {
			p.text.WriteString(s)
			return
		}
	}
	if d := root.Get("delta"); d.Type == gjson.String {
		p.text.WriteString(d.String())
	}
}

func (p *SSEUsageParser) Usage() Usage {
	u := p.usage
	if u.TotalTokens == 0 && p.text.Len() > 0 {
		u.EstimatedCompletion = int64(p.estimator.Count(p.text.String()))
	}
	return u
}
