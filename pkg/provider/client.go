package provider

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

const anthropicVersion = "2023-06-01"

// Credentials holds what is needed to call one upstream account.
type Credentials struct {
	Kind        string
	BaseURL     string
	APIKey      string
	AccessToken string
}

func (c Credentials) ResolvedBaseURL() string {
	if b := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); b != "" {
		return b
	}
	return strings.TrimRight(DefaultBaseURL(c.Kind), "/")
}

// ApplyAuth sets the authentication headers the upstream expects.
func ApplyAuth(h http.Header, c Credentials) {
	h.Del("Authorization")
	h.Del("x-api-key")
	if UsesAnthropicAPI(c.Kind) {
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", anthropicVersion)
		}
		if key := strings.TrimSpace(c.APIKey); key != "" {
			h.Set("x-api-key", key)
			return
		}
	}
	token := strings.TrimSpace(c.APIKey)
	if token == "" {
		token = strings.TrimSpace(c.AccessToken)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func IsAuthError(err error) bool {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		return false
	}
	if IsBlocked(err) {
		return false
	}
	if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
		return true
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "missing authorization header") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "api key not valid") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "no api key supplied")
}

func IsBlocked(err error) bool {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		return false
	}
	if httpErr.StatusCode != http.StatusForbidden && httpErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "just a moment") ||
		strings.Contains(msg, "__cf_chl") ||
		strings.Contains(msg, "challenge-platform") ||
		strings.Contains(msg, "cloudflare")
}

func IsRateLimited(err error) bool {
	httpErr, ok := err.(*HTTPError)
	return ok && httpErr.StatusCode == http.StatusTooManyRequests
}

func SplitModelPrefix(model string) (provider string, stripped string, ok bool) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", model, false
	}
	return parts[0], parts[1], true
}

func NormalizeModelID(model string) string {
	model = strings.TrimSpace(model)
	if strings.HasPrefix(model, "models/") {
		return strings.TrimPrefix(model, "models/")
	}
	return model
}

func JoinProviderPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	req := path.Clean("/" + strings.TrimSpace(requestPath))
	if (strings.HasSuffix(base, "/v1") || strings.HasSuffix(base, "/openai")) && strings.HasPrefix(req, "/v1/") {
		return path.Join(base, strings.TrimPrefix(req, "/v1/"))
	}
	return path.Join(base, req)
}
