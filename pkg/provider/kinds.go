package provider

import "strings"

const (
	Claude = "claude"
	Gemini = "gemini"
	OpenAI = "openai"
	Zai    = "zai"
)

var defaultBaseURLs = map[string]string{
	Claude: "https://api.anthropic.com",
	Gemini: "https://generativelanguage.googleapis.com/v1beta/openai",
	OpenAI: "https://api.openai.com/v1",
	Zai:    "https://api.z.ai/api/anthropic",
}

func Known(name string) bool {
	_, ok := defaultBaseURLs[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func DefaultBaseURL(name string) string {
	return defaultBaseURLs[strings.ToLower(strings.TrimSpace(name))]
}

// Names returns the supported provider kinds in a stable order.
func Names() []string {
	return []string{Claude, Gemini, OpenAI, Zai}
}

// InferFromModel maps a model name onto a provider kind. An explicit
// "provider/model" prefix wins over name heuristics.
func InferFromModel(model string, fallback string) (kind string, stripped string) {
	model = strings.TrimSpace(model)
	if p, rest, ok := SplitModelPrefix(model); ok && Known(p) {
		return strings.ToLower(p), rest
	}
	m := strings.ToLower(NormalizeModelID(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return Claude, model
	case strings.HasPrefix(m, "gemini"):
		return Gemini, model
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "chatgpt"), strings.HasPrefix(m, "text-embedding"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return OpenAI, model
	case strings.HasPrefix(m, "glm"):
		return Zai, model
	}
	fallback = strings.ToLower(strings.TrimSpace(fallback))
	if !Known(fallback) {
		fallback = Claude
	}
	return fallback, model
}

// UsesAnthropicAPI reports whether requests for the kind carry Anthropic style
// auth headers.
func UsesAnthropicAPI(kind string) bool {
	return kind == Claude || kind == Zai
}
