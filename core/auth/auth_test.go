package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, CheckTokenHash("s3cret", hash))
	assert.False(t, CheckTokenHash("other", hash))
}

func TestVerifier_PlainToken(t *testing.T) {
	v := NewVerifier("s3cret", "", "signing-key", time.Hour)

	assert.True(t, v.IsAdmin("s3cret"))
	assert.False(t, v.IsAdmin("s3cre"))
	assert.False(t, v.IsAdmin(""))
	assert.ErrorIs(t, v.Check("nope"), ErrUnauthorized)
	assert.NoError(t, v.Check("s3cret"))
}

func TestVerifier_HashedToken(t *testing.T) {
	hash, err := HashToken("hunter2")
	require.NoError(t, err)
	v := NewVerifier("", hash, "signing-key", time.Hour)

	assert.True(t, v.IsAdmin("hunter2"))
	assert.False(t, v.IsAdmin(hash), "the hash itself is not a credential")
	assert.False(t, v.IsAdmin(""))
}

func TestVerifier_Sessions(t *testing.T) {
	v := NewVerifier("s3cret", "", "signing-key", time.Hour)

	_, err := v.Login("wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	session, err := v.Login("s3cret")
	require.NoError(t, err)
	assert.True(t, v.IsAdmin(session))

	other := NewVerifier("s3cret", "", "different-key", time.Hour)
	assert.False(t, other.IsAdmin(session))
}

func TestSessions_Expiry(t *testing.T) {
	s := NewSessions("signing-key", time.Minute)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token, err := s.Issue()
	require.NoError(t, err)

	claims, err := s.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.NotEmpty(t, claims.ID)

	now = now.Add(2 * time.Minute)
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessions_RejectsOtherAlgorithms(t *testing.T) {
	s := NewSessions("signing-key", time.Minute)

	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Parse(unsigned)
	assert.ErrorIs(t, err, ErrUnauthorized)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("signing-key"))
	require.NoError(t, err)
	_, err = s.Parse(hs512)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessions_NoSecret(t *testing.T) {
	s := NewSessions("", time.Minute)
	_, err := s.Issue()
	assert.Error(t, err)
	_, err = s.Parse("anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
