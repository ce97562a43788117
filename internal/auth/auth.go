// Package auth issues and validates per-cloud session tokens.
//
// Tokens are HS256 JWTs. The server keeps no session table: a token is valid
// when its signature checks out, it has not expired, and its port and subject
// claims match the cloud that is serving the request. A single process-wide
// secret signs tokens for every cloud; the port claim is what stops a token
// obtained from one cloud from opening another.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/cloud"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/metrics"
)

// Issuer is the iss claim of every token.
const Issuer = "homecloud"

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Claims holds JWT token claims.
type Claims struct {
	Port            int   `json:"port"`
	PasswordChanged int64 `json:"pwd"`
	jwt.RegisteredClaims
}

// Token is a signed credential for one cloud.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Port      int       `json:"-"`
}

// Manager signs and checks tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. A zero ttl selects DefaultTTL.
func New(secret []byte, ttl time.Duration, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue checks password against the cloud's hash and returns a token scoped
// to the cloud's port.
func (m *Manager) Issue(c *cloud.Cloud, password string) (Token, error) {
	if !c.HasPassword() || password == "" {
		metrics.RecordAuthAttempt(c.Name(), false)
		return Token{}, apperr.New(apperr.InvalidCredentials, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash()), []byte(password)); err != nil {
		metrics.RecordAuthAttempt(c.Name(), false)
		logging.Warn("login failed: invalid password", zap.String("cloud", c.Name()), zap.Int("port", c.Port()))
		return Token{}, apperr.New(apperr.InvalidCredentials, "invalid credentials")
	}

	now := m.now()
	claims := &Claims{
		Port:            c.Port(),
		PasswordChanged: passwordStamp(c),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Name(),
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		metrics.RecordAuthAttempt(c.Name(), false)
		return Token{}, apperr.Wrap(apperr.IoFailure, "failed to generate token", err)
	}

	metrics.RecordAuthAttempt(c.Name(), true)
	logging.Info("login successful", zap.String("cloud", c.Name()), zap.Int("port", c.Port()))
	return Token{Value: signed, ExpiresAt: claims.ExpiresAt.Time, Port: c.Port()}, nil
}

// Validate checks tokenStr for cloud c. Every failure is reported as the
// same Unauthorized error; the specific reason only reaches debug logs and
// metrics.
func (m *Manager) Validate(c *cloud.Cloud, tokenStr string) (*Claims, error) {
	claims, reason := m.check(c, tokenStr)
	if reason != "" {
		metrics.RecordTokenRejection(c.Name(), reason)
		logging.Debug("token rejected",
			zap.String("cloud", c.Name()),
			zap.Int("port", c.Port()),
			zap.String("reason", reason))
		return nil, unauthorized()
	}
	return claims, nil
}

func (m *Manager) check(c *cloud.Cloud, tokenStr string) (*Claims, string) {
	if tokenStr == "" {
		return nil, "missing"
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, jwtReason(err)
	}

	switch {
	case claims.Port != c.Port():
		return nil, "port_mismatch"
	case claims.Subject != c.Name():
		return nil, "subject_mismatch"
	case claims.PasswordChanged < passwordStamp(c):
		return nil, "password_changed"
	}
	return claims, ""
}

func jwtReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "not_yet_valid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "bad_issuer"
	default:
		return "invalid"
	}
}

// Authenticate validates the credentials carried by r for cloud c. The bearer
// header and the port-suffixed cookie are each checked in full; whichever
// validates first wins.
func (m *Manager) Authenticate(c *cloud.Cloud, r *http.Request) (*Claims, error) {
	candidates := make([]string, 0, 2)
	if tok := BearerToken(r); tok != "" {
		candidates = append(candidates, tok)
	}
	if ck, err := r.Cookie(CookieName(c.Port())); err == nil && ck.Value != "" {
		candidates = append(candidates, ck.Value)
	}
	if len(candidates) == 0 {
		return m.Validate(c, "")
	}

	var lastErr error
	for _, tok := range candidates {
		claims, err := m.Validate(c, tok)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// CookieName returns the cookie that carries tokens for the cloud on port.
func CookieName(port int) string {
	return fmt.Sprintf("auth_token_%d", port)
}

// SetCookie stores tok in the port-scoped cookie.
func SetCookie(w http.ResponseWriter, r *http.Request, tok Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(tok.Port),
		Value:    tok.Value,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		MaxAge:   int(time.Until(tok.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie expires the port-scoped cookie.
func ClearCookie(w http.ResponseWriter, r *http.Request, port int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(port),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteStrictMode,
	})
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func passwordStamp(c *cloud.Cloud) int64 {
	if c.PasswordChangedAt().IsZero() {
		return 0
	}
	return c.PasswordChangedAt().Unix()
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func unauthorized() error {
	return apperr.New(apperr.Unauthorized, "authentication required, please provide a valid token")
}
