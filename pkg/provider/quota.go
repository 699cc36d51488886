package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Quota is the upstream's own view of an account's remaining capacity.
type Quota struct {
	LimitTokens     int64
	RemainingTokens int64
	Known           bool
	ResetAt         time.Time
}

type QuotaFetcher struct {
	HTTPClient *http.Client
}

// NewQuotaFetcher returns a fetcher whose client gives up after timeout.
// A zero timeout leaves the deadline to the request context.
func NewQuotaFetcher(timeout time.Duration) *QuotaFetcher {
	return &QuotaFetcher{HTTPClient: &http.Client{Timeout: max(timeout, 0)}}
}

func (f *QuotaFetcher) client() *http.Client {
	if f == nil || f.HTTPClient == nil {
		return http.DefaultClient
	}
	return f.HTTPClient
}

// FetchQuota probes the account's model listing endpoint and reads the
// rate limit headers returned with it.
func (f *QuotaFetcher) FetchQuota(ctx context.Context, cred Credentials) (Quota, error) {
	if UsesAnthropicAPI(cred.Kind) {
		return f.fetchAnthropic(ctx, cred)
	}
	return f.fetchOpenAICompatible(ctx, cred)
}

func (f *QuotaFetcher) fetchAnthropic(ctx context.Context, cred Credentials) (Quota, error) {
	u, err := url.Parse(cred.ResolvedBaseURL())
	if err != nil {
		return Quota{}, err
	}
	u.Path = JoinProviderPath(u.Path, "/v1/models")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quota{}, err
	}
	ApplyAuth(req.Header, cred)
	resp, err := f.client().Do(req)
	if err != nil {
		return Quota{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Quota{}, &HTTPError{
			Provider:   cred.Kind,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return quotaFromHeaders(resp.Header,
		"anthropic-ratelimit-tokens-limit",
		"anthropic-ratelimit-tokens-remaining",
		"anthropic-ratelimit-tokens-reset"), nil
}

func (f *QuotaFetcher) fetchOpenAICompatible(ctx context.Context, cred Credentials) (Quota, error) {
	token := strings.TrimSpace(cred.APIKey)
	if token == "" {
		token = strings.TrimSpace(cred.AccessToken)
	}
	cfg := openai.DefaultConfig(token)
	cfg.BaseURL = cred.ResolvedBaseURL()
	cfg.HTTPClient = f.client()
	list, err := openai.NewClientWithConfig(cfg).ListModels(ctx)
	if err != nil {
		return Quota{}, fromOpenAIError(cred.Kind, err)
	}
	return quotaFromHeaders(list.Header(),
		"x-ratelimit-limit-tokens",
		"x-ratelimit-remaining-tokens",
		"x-ratelimit-reset-tokens"), nil
}

func fromOpenAIError(kind string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: kind, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &HTTPError{Provider: kind, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return err
}

func quotaFromHeaders(h http.Header, limitKey, remainingKey, resetKey string) Quota {
	var q Quota
	if v := strings.TrimSpace(h.Get(limitKey)); v != "" {
		q.LimitTokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := strings.TrimSpace(h.Get(remainingKey)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.RemainingTokens = n
			q.Known = true
		}
	}
	q.ResetAt = parseReset(strings.TrimSpace(h.Get(resetKey)), time.Now().UTC())
	return q
}

// parseReset accepts either an RFC3339 timestamp or a relative duration
// such as "6m0s" or "20ms".
func parseReset(v string, now time.Time) time.Time {
	if v == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC()
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d)
	}
	return time.Time{}
}
