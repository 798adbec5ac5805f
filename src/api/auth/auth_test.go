package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/govvote/src/voting"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestRoundTrip(t *testing.T) {
	tok, err := IssueToken(secret, voting.Member{ID: 42, DisplayName: "Ana"}, time.Hour, time.Now())
	require.NoError(t, err)

	m, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, voting.Member{ID: 42, DisplayName: "Ana"}, m)
}

func TestNoExpiry(t *testing.T) {
	tok, err := IssueToken(secret, voting.Member{ID: 1}, 0, time.Now().Add(-100*24*time.Hour))
	require.NoError(t, err)
	_, err = ParseToken(secret, tok)
	assert.NoError(t, err)
}

func TestRejects(t *testing.T) {
	expired, err := IssueToken(secret, voting.Member{ID: 1}, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	otherKey, err := IssueToken([]byte("another-secret-another-secret!!"), voting.Member{ID: 1}, time.Hour, time.Now())
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "x"}).SignedString(secret)
	require.NoError(t, err)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{UserID: 1}).SignedString(secret)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":   expired,
		"other key": otherKey,
		"no user":   noUser,
		"wrong alg": wrongAlg,
		"garbage":   "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(secret, tok)
			assert.ErrorIs(t, err, ErrBadToken)
		})
	}
}

func TestIssueNeedsUser(t *testing.T) {
	_, err := IssueToken(secret, voting.Member{}, time.Hour, time.Now())
	assert.ErrorIs(t, err, voting.ErrInvalidInput)
}
