// Package auth issues and verifies the signed identity tokens a client
// presents with register_user. Tokens are HS256 JWTs whose subject is the
// marketplace user id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fitmatch/realtime/internal/protocol"
)

var (
	// ErrInvalidToken is returned for malformed, mis-signed or foreign tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("auth: token has expired")
	// ErrNoSecret is returned by NewTokens for an empty signing key.
	ErrNoSecret = errors.New("auth: signing secret is required")
)

// Config holds token settings.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// DefaultConfig returns defaults for everything but the secret.
func DefaultConfig() Config {
	return Config{
		Issuer: "fitmatch",
		TTL:    12 * time.Hour,
	}
}

// Claims are the custom claims carried by an identity token.
type Claims struct {
	Role protocol.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies identity tokens with one shared secret.
type Tokens struct {
	config Config
	now    func() time.Time
}

// NewTokens creates a Tokens for config.
func NewTokens(config Config) (*Tokens, error) {
	if config.Secret == "" {
		return nil, ErrNoSecret
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Tokens{config: config, now: time.Now}, nil
}

// Issue returns a signed token for userID.
func (t *Tokens) Issue(userID string, role protocol.Role) (string, error) {
	now := t.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.config.Secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature, expiry and issuer and returns the user
// id it was issued for.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(t.config.Secret), nil
	}, jwt.WithIssuer(t.config.Issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
