package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lkarlslund/poolrouter/pkg/admindb"
	"github.com/lkarlslund/poolrouter/pkg/cache"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenTTL         = 24 * time.Hour
	tokenIssuer      = "poolrouter"
	loginMaxFailures = 5
	loginWindow      = 15 * time.Minute
	revokedCacheTTL  = time.Minute
)

var (
	errUnauthorized = errors.New("unauthorized")
	errLoginLocked  = errors.New("too many failed logins, try again later")
	errAuthDisabled = errors.New("admin password is not configured")
)

type claimsKey struct{}

// Authenticator issues and checks the admin bearer tokens of the control
// API. Tokens are HS256 JWTs whose id can be revoked before expiry.
type Authenticator struct {
	db           *admindb.DB
	secret       []byte
	passwordHash string
	now          func() time.Time

	failures *cache.TTLMap[string, int]
	revoked  *cache.TTLMap[string, bool]
}

func NewAuthenticator(db *admindb.DB, passwordHash string) (*Authenticator, error) {
	secret, err := db.JWTSecret()
	if err != nil {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	}
	return &Authenticator{
		db:           db,
		secret:       secret,
		passwordHash: strings.TrimSpace(passwordHash),
		now:          time.Now,
		failures:     cache.NewTTLMap[string, int](),
		revoked:      cache.NewTTLMap[string, bool](),
	}, nil
}

// Enabled reports whether password login is possible. Without it the
// control API only answers loopback clients.
func (a *Authenticator) Enabled() bool { return a.passwordHash != "" }

func (a *Authenticator) Login(remote, password string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, errAuthDisabled
	}
	now := a.now()
	failed, _ := a.failures.GetFresh(remote, now)
	if failed >= loginMaxFailures {
		return "", time.Time{}, errLoginLocked
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		a.failures.SetWithTTL(remote, failed+1, now, loginWindow)
		slog.Warn("admin login failed", "remote", remote, "failures", failed+1)
		return "", time.Time{}, errUnauthorized
	}
	a.failures.Delete(remote)
	return a.Issue()
}

func (a *Authenticator) Issue() (string, time.Time, error) {
	now := a.now()
	exp := now.Add(tokenTTL)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (a *Authenticator) Verify(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return nil, errUnauthorized
	}
	if claims.ID == "" {
		return nil, errUnauthorized
	}
	revoked, err := a.isRevoked(claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, errUnauthorized
	}
	return claims, nil
}

func (a *Authenticator) isRevoked(jti string) (bool, error) {
	now := a.now()
	if v, ok := a.revoked.GetFresh(jti, now); ok {
		return v, nil
	}
	v, err := a.db.IsRevoked(jti)
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	a.revoked.SetWithTTL(jti, v, now, revokedCacheTTL)
	return v, nil
}

func (a *Authenticator) Revoke(claims *jwt.RegisteredClaims) error {
	exp := a.now().Add(tokenTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := a.db.Revoke(claims.ID, exp); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	a.revoked.SetWithExpiry(claims.ID, true, exp)
	return nil
}

// PurgeExpired forgets revocations of tokens past their expiry.
func (a *Authenticator) PurgeExpired() {
	now := a.now()
	a.failures.Prune(now)
	a.revoked.Prune(now)
	n, err := a.db.PurgeExpired(now)
	if err != nil {
		slog.Warn("purge revoked tokens", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("purged revoked tokens", "count", n)
	}
}

// Middleware requires a valid bearer token. The websocket route may pass
// it as the token query parameter since browsers cannot set headers there.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			if requestIsLoopback(r) {
				next.ServeHTTP(w, r)
				return
			}
			writeUnauthorized(w)
			return
		}
		raw := bearerToken(r.Header)
		if raw == "" {
			raw = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if raw == "" {
			writeUnauthorized(w)
			return
		}
		claims, err := a.Verify(raw)
		if err != nil {
			if !errors.Is(err, errUnauthorized) {
				slog.Error("verify admin token", "error", err)
			}
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) *jwt.RegisteredClaims {
	c, _ := ctx.Value(claimsKey{}).(*jwt.RegisteredClaims)
	return c
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
