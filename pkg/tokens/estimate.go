// Package tokens estimates request sizes and reads token usage out of
// upstream responses.
package tokens

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with the cl100k encoding. When the encoding is
// unavailable it falls back to four runes per token.
type Estimator struct {
	codec tokenizer.Codec
}

var (
	defaultOnce      sync.Once
	defaultEstimator *Estimator
)

func NewEstimator() *Estimator {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		slog.Warn("tokenizer unavailable, using rune estimate", "error", err)
		return &Estimator{}
	}
	return &Estimator{codec: codec}
}

// Default returns a shared estimator. The encoding tables are loaded once.
func Default() *Estimator {
	defaultOnce.Do(func() {
		defaultEstimator = NewEstimator()
	})
	return defaultEstimator
}

func (e *Estimator) Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	if e == nil || e.codec == nil {
		return estimateFromRunes(text)
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return estimateFromRunes(text)
	}
	return len(ids)
}

func estimateFromRunes(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Estimate splits the expected consumption of a request.
type Estimate struct {
	Prompt   int64
	Output   int64
	Thinking int64
}

func (e Estimate) Total() int64 { return e.Prompt + e.Output + e.Thinking }

// Estimate reads the prompt text and the output cap of a request. With
// includeThinking the extended thinking budget is counted too.
func (e *Estimator) Estimate(body []byte, includeThinking bool) Estimate {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Estimate{}
	}
	root := gjson.ParseBytes(body)
	out := Estimate{
		Prompt: int64(e.Count(PromptText(root))),
		Output: OutputCap(root),
	}
	if includeThinking {
		out.Thinking = max(root.Get("thinking.budget_tokens").Int(), 0)
	}
	return out
}

// EstimateRequest is the number of tokens a request may consume.
func (e *Estimator) EstimateRequest(body []byte, includeThinking bool) int64 {
	return e.Estimate(body, includeThinking).Total()
}

// OutputCap is the largest output the request allows, in tokens.
func OutputCap(root gjson.Result) int64 {
	for _, key := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens", "generationConfig.maxOutputTokens"} {
		if v := root.Get(key).Int(); v > 0 {
			return v
		}
	}
	return 0
}

// PromptText collects every piece of input text a request carries, across
// the Anthropic, OpenAI chat, completions and responses shapes.
func PromptText(root gjson.Result) string {
	parts := make([]string, 0, 8)
	add := func(s string) {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	addContent(root.Get("system"), add)
	addContent(root.Get("instructions"), add)
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		addContent(msg.Get("content"), add)
		return true
	})
	addContent(root.Get("prompt"), add)
	input := root.Get("input")
	if input.IsArray() {
		input.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				add(item.String())
				return true
			}
			addContent(item.Get("content"), add)
			return true
		})
	} else {
		addContent(input, add)
	}
	return strings.Join(parts, "\n")
}

func addContent(v gjson.Result, add func(string)) {
	switch {
	case !v.Exists():
	case v.Type == gjson.String:
		add(v.String())
	case v.IsArray():
		v.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				add(part.String())
				return true
			}
			add(part.Get("text").String())
			return true
		})
	case v.IsObject():
		add(v.Get("text").String())
	}
}
