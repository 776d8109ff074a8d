// Package devtoken issues and verifies optional, non-core operator/dev
// bearer tokens. It never gates a skill invocation: the per-message
// on-chain signature (internal/signature) remains the sole core security
// primitive. This surface exists only to protect debug/admin HTTP routes.
package devtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDisabled is returned when no signing secret has been configured,
// matching spec.md's "authentication token issuance is optional" posture.
var ErrDisabled = errors.New("dev token issuance is disabled")

// Claims is the minimal claim set carried by an issued dev token.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HS256 operator tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures optional Issuer behaviour.
type Option func(*Issuer)

// WithClock overrides the issuer's clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(i *Issuer) {
		if clock != nil {
			i.now = clock
		}
	}
}

// New constructs an Issuer. An empty secret means the operator has not
// opted into dev tokens; callers should treat that as ErrDisabled rather
// than a misconfiguration.
func New(secret string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if ttl <= 0 {
		ttl = time.Hour
	}
	i := &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Enabled reports whether a signing secret was configured.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

// Issue mints a token for subject (typically an operator or dev client id).
func (i *Issuer) Issue(subject string) (string, error) {
	if !i.Enabled() {
		return "", ErrDisabled
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject must not be empty")
	}
	now := i.now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates a token's signature and expiry, returning its subject.
func (i *Issuer) Verify(tokenString string) (string, error) {
	if !i.Enabled() {
		return "", ErrDisabled
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", errors.New("token must not be empty")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return "", fmt.Errorf("invalid dev token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid dev token")
	}
	return claims.Subject, nil
}
