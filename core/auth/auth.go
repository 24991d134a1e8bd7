package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for a missing or wrong admin credential.
var ErrUnauthorized = errors.New("unauthorized")

// HashToken generates a bcrypt hash of an admin token, suitable for
// ADMIN_TOKEN_HASH.
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(bytes), nil
}

// CheckTokenHash compares a token with a bcrypt hash.
func CheckTokenHash(token, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil
}

// Verifier decides whether a presented credential grants admin rights.
// A credential is accepted when it equals the plain admin token, matches
// the bcrypt hash, or is a session issued by this verifier.
type Verifier struct {
	token    string
	hash     string
	sessions *Sessions
}

// NewVerifier 创建管理员凭证校验器，token 和 hash 至少需要一个
func NewVerifier(token, hash, secret string, ttl time.Duration) *Verifier {
	return &Verifier{
		token:    token,
		hash:     hash,
		sessions: NewSessions(secret, ttl),
	}
}

// IsAdmin reports whether the credential grants admin rights. An empty
// credential never does.
func (v *Verifier) IsAdmin(credential string) bool {
	if credential == "" {
		return false
	}
	if v.token != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(v.token)) == 1 {
		return true
	}
	if v.hash != "" && CheckTokenHash(credential, v.hash) {
		return true
	}
	_, err := v.sessions.Parse(credential)
	return err == nil
}

// Check returns ErrUnauthorized unless the credential grants admin rights.
func (v *Verifier) Check(credential string) error {
	if !v.IsAdmin(credential) {
		return ErrUnauthorized
	}
	return nil
}

// Login exchanges a valid credential for a session token.
func (v *Verifier) Login(credential string) (string, error) {
	if err := v.Check(credential); err != nil {
		return "", err
	}
	return v.sessions.Issue()
}
