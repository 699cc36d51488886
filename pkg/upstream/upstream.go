// Package upstream performs the HTTP calls to provider accounts.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lkarlslund/poolrouter/pkg/provider"
	"github.com/lkarlslund/poolrouter/pkg/telemetry"
	"github.com/lkarlslund/poolrouter/pkg/version"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/proxy"
)

const maxErrorBody = 64 << 10

// TransportError is a failed upstream attempt. StatusCode is zero when no
// response was received.
type TransportError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("upstream %s status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Options struct {
	Timeout  time.Duration
	ProxyURL string
}

type Client struct {
	http *http.Client
}

func New(opts Options) (*Client, error) {
	tr, err := NewTransport(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &Client{http: &http.Client{Timeout: opts.Timeout, Transport: tr}}, nil
}

// NewTransport builds the transport for upstream calls, optionally through
// an http, https or socks5 proxy.
func NewTransport(proxyURL string) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		tr.Proxy = nil
		return tr, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy: %w", err)
		}
		tr.Proxy = nil
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	return tr, nil
}

// Call is one attempt against one account.
type Call struct {
	Path        string
	Body        []byte
	Header      http.Header
	Model       string
	Credentials provider.Credentials
}

// Do sends the call. A non 2xx status is returned as a *TransportError and
// the body is closed; on success the caller owns resp.Body.
func (c *Client) Do(ctx context.Context, call Call) (*http.Response, error) {
	kind := call.Credentials.Kind
	body := call.Body
	if call.Model != "" {
		var err error
		body, err = RewriteModel(body, call.Model)
		if err != nil {
			return nil, &TransportError{Provider: kind, Err: err}
		}
	}
	u, err := url.Parse(call.Credentials.ResolvedBaseURL())
	if err != nil || u.Host == "" {
		return nil, &TransportError{Provider: kind, Err: fmt.Errorf("invalid base url %q", call.Credentials.ResolvedBaseURL())}
	}
	u.Path = provider.JoinProviderPath(u.Path, call.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Provider: kind, Err: err}
	}
	req.Header = ForwardHeaders(call.Header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}
	provider.ApplyAuth(req.Header, call.Credentials)
	telemetry.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: kind, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &TransportError{
			Provider:   kind,
			StatusCode: resp.StatusCode,
			Err:        &provider.HTTPError{Provider: kind, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))},
		}
	}
	return resp, nil
}

// RewriteModel replaces the model field, leaving the rest of the body
// untouched.
func RewriteModel(body []byte, model string) ([]byte, error) {
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	return out, nil
}

var droppedHeaders = map[string]struct{}{
	"Authorization":       {},
	"X-Api-Key":           {},
	"Host":                {},
	"Content-Length":      {},
	"Accept-Encoding":     {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Cookie":              {},
	"X-Session-Id":        {},
	"X-Conversation-Id":   {},
	"X-Forwarded-For":     {},
	"X-Real-Ip":           {},
}

// ForwardHeaders copies the client headers an upstream may care about,
// such as anthropic-beta, dropping credentials and hop-by-hop headers.
func ForwardHeaders(in http.Header) http.Header {
	out := http.Header{}
	for k, vals := range in {
		if _, skip := droppedHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

// CopyResponseHeaders writes upstream response headers to w, skipping the
// ones the server recomputes.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Connection", "Transfer-Encoding", "Content-Encoding", "Keep-Alive":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
