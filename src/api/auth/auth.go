// Package auth mints and checks the HS256 tokens that identify API callers.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stake-plus/govvote/src/voting"
)

var ErrBadToken = errors.New("invalid token")

// Claims carries the chat identity of the caller.
type Claims struct {
	UserID int64  `json:"uid"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for m. A ttl of zero issues a token that never expires.
func IssueToken(secret []byte, m voting.Member, ttl time.Duration, now time.Time) (string, error) {
	if m.ID <= 0 {
		return "", fmt.Errorf("%w: user id must be positive", voting.ErrInvalidInput)
	}
	claims := Claims{
		UserID: m.ID,
		Name:   m.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies raw and returns the member it names.
func ParseToken(secret []byte, raw string) (voting.Member, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return voting.Member{}, fmt.Errorf("%w: %w", ErrBadToken, err)
	}
	if !tok.Valid || claims.UserID <= 0 {
		return voting.Member{}, ErrBadToken
	}
	return voting.Member{ID: claims.UserID, DisplayName: claims.Name}, nil
}
