package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lkarlslund/poolrouter/pkg/cache"
	"github.com/lkarlslund/poolrouter/pkg/provider"
)

const (
	StatusUnknown     = "unknown"
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusAuthProblem = "auth problem"
	StatusBlocked     = "blocked"
	StatusRateLimited = "rate limited"

	ZaiAccountID = "zai"
)

var ErrNotFound = errors.New("account not found")

// NoAccountAvailableError means no eligible account exists for a provider.
type NoAccountAvailableError struct {
	Provider string
}

func (e *NoAccountAvailableError) Error() string {
	return fmt.Sprintf("no account available for provider %s", e.Provider)
}

type QuotaSnapshot struct {
	LimitTokens     int64     `json:"limit_tokens,omitempty"`
	RemainingTokens *int64    `json:"remaining_tokens,omitempty"`
	ResetAt         time.Time `json:"reset_at,omitzero"`
	CheckedAt       time.Time `json:"checked_at,omitzero"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
}

// remaining is the known token allowance, or nil when unknown. A window
// whose reset time has passed no longer limits the account.
func (q QuotaSnapshot) remaining(now time.Time) *int64 {
	if q.RemainingTokens == nil || (!q.ResetAt.IsZero() && !now.Before(q.ResetAt)) {
		return nil
	}
	return q.RemainingTokens
}

// Account is an upstream credential in the pool, as stored on disk.
type Account struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	Name        string        `json:"name,omitempty"`
	Provider    string        `json:"provider"`
	BaseURL     string        `json:"base_url,omitempty"`
	APIKey      string        `json:"api_key,omitempty"`
	AccessToken string        `json:"access_token,omitempty"`
	Disabled    bool          `json:"disabled,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUsed    *time.Time    `json:"last_used,omitempty"`
	Quota       QuotaSnapshot `json:"quota"`
}

func (a Account) Credentials() provider.Credentials {
	return provider.Credentials{
		Kind:        a.Provider,
		BaseURL:     a.BaseURL,
		APIKey:      a.APIKey,
		AccessToken: a.AccessToken,
	}
}

// View is the account as exposed through the control API. It never carries
// credentials.
type View struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	Name          string        `json:"name,omitempty"`
	Provider      string        `json:"provider"`
	Disabled      bool          `json:"disabled"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUsed      *time.Time    `json:"last_used,omitempty"`
	Quota         QuotaSnapshot `json:"quota"`
	Status        string        `json:"status"`
	CooldownUntil *time.Time    `json:"cooldown_until,omitempty"`
	Headroom      *int64        `json:"headroom,omitempty"`
}

type fileIndex struct {
	Accounts         []Account `json:"accounts"`
	CurrentAccountID string    `json:"current_account_id,omitempty"`
}

func loadIndex(path string) (fileIndex, error) {
	var idx fileIndex
	if path == "" {
		return idx, nil
	}
	if err := cache.LoadJSON(path, &idx); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return fileIndex{}, nil
		}
		return fileIndex{}, err
	}
	seen := map[string]struct{}{}
	out := idx.Accounts[:0]
	for _, a := range idx.Accounts {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if _, ok := seen[a.ID]; ok {
			return fileIndex{}, fmt.Errorf("accounts: duplicate id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		a.Provider = strings.ToLower(strings.TrimSpace(a.Provider))
		if !provider.Known(a.Provider) {
			return fileIndex{}, fmt.Errorf("accounts: %s has unknown provider %q", a.ID, a.Provider)
		}
		if a.Quota.Status == "" {
			a.Quota.Status = StatusUnknown
		}
		out = append(out, a)
	}
	idx.Accounts = out
	return idx, nil
}
