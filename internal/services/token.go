// Package services contains the core business logic for HeartBridge: token
// signing, the performance registry and its expiry sweep.
package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// PerformanceClaims is the JWT payload of a performance token. It echoes every
// field of the performance at the time the token was minted.
type PerformanceClaims struct {
	PerformanceID   string `json:"performance_id"`
	Artist          string `json:"artist"`
	Title           string `json:"title"`
	Email           string `json:"email"`
	Description     string `json:"description"`
	PerformanceDate int64  `json:"performance_date"`
	Duration        int    `json:"duration"`
	Status          int    `json:"status"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies performance tokens.
// Tokens are deterministic: the same performance state always yields the same
// token, so no issued-at or random ID claims are included.
type TokenService struct {
	secret      []byte
	issuer      string
	gracePeriod time.Duration
	clock       clockwork.Clock
}

// NewTokenService creates a TokenService with the given signing key. Tokens
// expire gracePeriod after the end of the performance window.
func NewTokenService(secret []byte, issuer string, gracePeriod time.Duration, clock clockwork.Clock) *TokenService {
	return &TokenService{
		secret:      secret,
		issuer:      issuer,
		gracePeriod: gracePeriod,
		clock:       clock,
	}
}

// Issue creates a signed token embedding the performance's current fields.
func (s *TokenService) Issue(p Performance) (string, error) {
	claims := PerformanceClaims{
		PerformanceID:   p.ID,
		Artist:          p.Artist,
		Title:           p.Title,
		Email:           p.Email,
		Description:     p.Description,
		PerformanceDate: p.PerformanceDate.Unix(),
		Duration:        p.DurationMinutes(),
		Status:          p.Status,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(p.End().Add(s.gracePeriod)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the signature, algorithm, issuer and expiry of a token and
// returns its claims. Every failure is reported as an auth error.
func (s *TokenService) Verify(tokenString string) (*PerformanceClaims, error) {
	if tokenString == "" {
		return nil, authError("token is required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &PerformanceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, authError("token has expired")
		}
		return nil, authError("invalid token")
	}

	claims, ok := token.Claims.(*PerformanceClaims)
	if !ok || !token.Valid || claims.PerformanceID == "" {
		return nil, authError("invalid token")
	}
	return claims, nil
}
