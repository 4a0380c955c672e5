package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSigner mints short-lived HS256 tokens identifying this controller.
type TokenSigner struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner returns a signer for the shared service key.
func NewTokenSigner(key, issuer string, ttl time.Duration) (*TokenSigner, error) {
	if key == "" {
		return nil, errors.New("empty signing key")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenSigner{key: []byte(key), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Sign returns a freshly signed token. The only identity claim is the issuer.
func (s *TokenSigner) Sign() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign health token: %w", err)
	}
	return token, nil
}
