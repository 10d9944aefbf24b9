package resultstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"genjobs/internal/domain"
)

// AccessClaims is the payload of a minted access reference: a signed,
// expiring locator granting temporary read access to one artifact.
type AccessClaims struct {
	JobID string `json:"job_id"`
	Key   string `json:"key"`
	jwt.RegisteredClaims
}

// TokenMinter mints and verifies time-limited access references for
// stored artifacts. The reference TTL is independent of both the job
// record TTL and the artifact retention window.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenMinter creates a minter signing with the given secret.
func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	return &TokenMinter{secret: []byte(secret), ttl: ttl}
}

// Mint produces a signed access reference for the artifact under key.
func (m *TokenMinter) Mint(jobID, key string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		JobID: jobID,
		Key:   key,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access reference: %w", err)
	}
	return signed, nil
}

// Verify validates an access reference and returns its claims. Expired
// or tampered references return domain.ErrResultExpired so callers can
// distinguish a stale link from a malformed request.
func (m *TokenMinter) Verify(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrResultExpired
		}
		return nil, fmt.Errorf("verify access reference: %w", err)
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid access reference")
	}
	return claims, nil
}
