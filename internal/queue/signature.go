package queue

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks Upstash-Signature headers on webhook deliveries. The
// signature is a JWT signed with the queue's signing key; the current and
// next keys are both accepted so key rotation does not drop jobs.
type Verifier struct {
	currentKey string
	nextKey    string
}

// NewVerifier creates a verifier with the current and next signing keys.
// nextKey may be empty when rotation is not in progress.
func NewVerifier(currentKey, nextKey string) *Verifier {
	return &Verifier{currentKey: currentKey, nextKey: nextKey}
}

// Verify validates the signature for a delivery to url with the given body.
// It checks the JWT signature, standard time claims, the issuer, the target
// URL, and the body hash.
func (v *Verifier) Verify(signature, url string, body []byte) error {
	err := v.verifyWithKey(v.currentKey, signature, url, body)
	if err != nil && v.nextKey != "" {
		err = v.verifyWithKey(v.nextKey, signature, url, body)
	}
	return err
}

func (v *Verifier) verifyWithKey(key, signature, url string, body []byte) error {
	token, err := jwt.Parse(signature,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(key), nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer("Upstash"),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("queue: parse signature: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("queue: unexpected claims type")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub != url {
		return fmt.Errorf("queue: signature subject %q does not match url %q", sub, url)
	}

	bodyClaim, ok := claims["body"].(string)
	if !ok {
		return fmt.Errorf("queue: signature missing body claim")
	}
	hash := sha256.Sum256(body)
	want := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
	// The body claim may arrive with or without padding.
	got := trimPadding(bodyClaim)
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return fmt.Errorf("queue: body hash mismatch")
	}
	return nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}
