// Package llmclient decorates outgoing data plane requests with the session
// headers the proxy uses for sticky routing.
package llmclient

import (
	"net/http"
	"strings"

	"github.com/lkarlslund/poolrouter/pkg/tokens"
)

type Session struct {
	SessionID      string
	ConversationID string
	APIKey         string
}

type Option func(*Session)

func NewSession(opts ...Option) Session {
	s := Session{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func WithSessionID(id string) Option {
	id = strings.TrimSpace(id)
	return func(s *Session) { s.SessionID = id }
}

func WithConversationID(id string) Option {
	id = strings.TrimSpace(id)
	return func(s *Session) { s.ConversationID = id }
}

// WithAPIKey sends key as x-api-key, for clients that cannot set a bearer.
func WithAPIKey(key string) Option {
	key = strings.TrimSpace(key)
	return func(s *Session) { s.APIKey = key }
}

// HTTPClient returns a client whose transport adds the session headers.
func (s Session) HTTPClient(base *http.Client) *http.Client {
	out := &http.Client{}
	if base != nil {
		*out = *base
	}
	out.Transport = s.WrapRoundTripper(out.Transport)
	return out
}

func (s Session) WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	return sessionHeaderRoundTripper{Base: base, Session: s}
}

type sessionHeaderRoundTripper struct {
	Base    http.RoundTripper
	Session Session
}

func (rt sessionHeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if id := rt.Session.SessionID; id != "" {
		out.Header.Set(tokens.HeaderSessionID, id)
	}
	if cid := rt.Session.ConversationID; cid != "" {
		out.Header.Set(tokens.HeaderConversationID, cid)
	}
	if key := rt.Session.APIKey; key != "" {
		out.Header.Set("x-api-key", key)
	}
	return base.RoundTrip(out)
}
