package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/lkarlslund/poolrouter/pkg/version"
	"github.com/tidwall/gjson"
)

const apiPrefix = "/api/v1"

// apiClient talks to the control API with the token saved by login.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(serverURL, token string) (*apiClient, error) {
	base, err := deriveServerBaseURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) request(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return c.http.Do(req)
}

// call sends in as JSON (when non-nil) and decodes the reply into out
// (when non-nil). Non-2xx replies become errors.
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	switch v := in.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(v)
		contentType = "application/json"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	resp, err := c.request(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return formatAPIError(resp.StatusCode, b)
	}
	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *[]byte:
		b, err := io.ReadAll(resp.Body)
		*v = b
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func formatAPIError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "error.message", "error")
		switch {
		case res[0].Exists():
			msg = res[0].String()
		case res[1].Type == gjson.String:
			msg = res[1].String()
		}
	}
	if status == http.StatusUnauthorized {
		if msg == "" {
			msg = "unauthorized"
		}
		return fmt.Errorf("status %d: %s (run `poolctl login` first)", status, msg)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("status %d: %s", status, msg)
}

func (c *apiClient) websocketURL() string {
	u, _ := neturl.Parse(c.base + apiPrefix + "/ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func deriveServerBaseURL(serverURL string) (string, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return "", fmt.Errorf("server_url is empty")
	}
	u, err := neturl.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server_url must be absolute, got %q", serverURL)
	}
	path := strings.TrimSuffix(strings.TrimSpace(u.Path), "/")
	path = strings.TrimSuffix(path, apiPrefix)
	u.Path = path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
