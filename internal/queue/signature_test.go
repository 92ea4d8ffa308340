package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestJWT(t *testing.T, key, url string, body []byte, mutate func(jwt.MapClaims)) string {
	t.Helper()

	hash := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iss":  "Upstash",
		"sub":  url,
		"exp":  time.Now().Add(time.Minute).Unix(),
		"iat":  time.Now().Unix(),
		"nbf":  time.Now().Add(-time.Minute).Unix(),
		"body": base64.URLEncoding.EncodeToString(hash[:]),
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func TestVerifyValidSignature(t *testing.T) {
	body := []byte(`{"sessionId":"s1","message":"hi","turnId":"t1"}`)
	url := "https://koe.example.com/v1/jobs/chat"
	sig := signTestJWT(t, "current-key", url, body, nil)

	v := NewVerifier("current-key", "next-key")
	assert.NoError(t, v.Verify(sig, url, body))
}

func TestVerifyAcceptsNextKey(t *testing.T) {
	body := []byte(`{}`)
	url := "https://koe.example.com/v1/jobs/chat"
	sig := signTestJWT(t, "next-key", url, body, nil)

	v := NewVerifier("current-key", "next-key")
	assert.NoError(t, v.Verify(sig, url, body))
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	body := []byte(`{}`)
	url := "https://koe.example.com/v1/jobs/chat"
	sig := signTestJWT(t, "rogue-key", url, body, nil)

	v := NewVerifier("current-key", "next-key")
	assert.Error(t, v.Verify(sig, url, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	url := "https://koe.example.com/v1/jobs/chat"
	sig := signTestJWT(t, "current-key", url, []byte(`{"message":"hi"}`), nil)

	v := NewVerifier("current-key", "")
	assert.Error(t, v.Verify(sig, url, []byte(`{"message":"tampered"}`)))
}

func TestVerifyRejectsWrongURL(t *testing.T) {
	body := []byte(`{}`)
	sig := signTestJWT(t, "current-key", "https://evil.example.com/hook", body, nil)

	v := NewVerifier("current-key", "")
	assert.Error(t, v.Verify(sig, "https://koe.example.com/v1/jobs/chat", body))
}

func TestVerifyRejectsExpired(t *testing.T) {
	body := []byte(`{}`)
	url := "https://koe.example.com/v1/jobs/chat"
	sig := signTestJWT(t, "current-key", url, body, func(c jwt.MapClaims) {
		c["exp"] = time.Now().Add(-time.Hour).Unix()
	})

	v := NewVerifier("current-key", "")
	assert.Error(t, v.Verify(sig, url, body))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	body := []byte(`{}`)
	url := "https://koe.example.com/v1/jobs/chat"
	sig := signTestJWT(t, "current-key", url, body, func(c jwt.MapClaims) {
		c["iss"] = "NotUpstash"
	})

	v := NewVerifier("current-key", "")
	assert.Error(t, v.Verify(sig, url, body))
}

func TestVerifyBodyClaimPaddingTolerated(t *testing.T) {
	body := []byte(`{"a":1}`)
	url := "https://koe.example.com/v1/jobs/chat"

	// Signed with unpadded body hash.
	hash := sha256.Sum256(body)
	sig := signTestJWT(t, "k", url, body, func(c jwt.MapClaims) {
		c["body"] = base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
	})

	v := NewVerifier("k", "")
	assert.NoError(t, v.Verify(sig, url, body))
}
