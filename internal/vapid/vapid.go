// Package vapid verifies the Voluntary Application Server Identification
// bearer (RFC 8292) attached to a push delivery. Authorization is pinned
// per subscription: the key offered in the header must be the exact key
// the subscription was registered with, there is no global trust list.
package vapid

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/webpush"
)

// Scheme is the authorization scheme carrying VAPID parameters.
const Scheme = "vapid"

// maxTokenAge bounds how far in the future a token's exp may lie.
const maxTokenAge = 24 * time.Hour

// AuthError reports a rejected authorization header.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vapid: %s: %v", e.Reason, e.Err)
	}
	return "vapid: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authErr(reason string, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

// Claims are the verified JWT claims of a VAPID token.
type Claims struct {
	Sub string
	Exp int64
}

// SubHost returns the hostname of the sub claim when it is a well-formed
// URL, or the empty string.
func (c *Claims) SubHost() string {
	if c.Sub == "" {
		return ""
	}
	u, err := url.Parse(c.Sub)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// HasScheme reports whether the authorization header uses the vapid
// scheme. Callers treat a missing or differently-schemed header as
// unauthenticated rather than forbidden.
func HasScheme(authorization string) bool {
	return len(authorization) >= len(Scheme) &&
		strings.EqualFold(authorization[:len(Scheme)], Scheme)
}

// Verify checks the authorization header of the form
//
//	vapid t=<JWT>,k=<base64url P-256 public key>
//
// against the subscription's pinned key and returns the token claims.
// Both exp and aud must be present and exp may not lie more than 24 hours
// in the future. An already-expired token is still accepted: some senders
// reuse tokens past their exp and the relay stays compatible with them.
func Verify(authorization, vapidKey string) (*Claims, error) {
	if !HasScheme(authorization) {
		return nil, authErr("not a vapid authorization", nil)
	}

	var t, k string
	for _, param := range strings.Split(authorization[len(Scheme):], ",") {
		name, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(name) {
		case "t":
			t = strings.TrimSpace(value)
		case "k":
			k = strings.TrimSpace(value)
		}
	}
	if t == "" || k == "" {
		return nil, authErr("missing t or k parameter", nil)
	}
	if k != vapidKey {
		return nil, authErr("key does not match the subscription", nil)
	}

	publicKey, err := ImportPublicKey(k)
	if err != nil {
		return nil, authErr("invalid public key", err)
	}

	// Claims validation is disabled so the exp lower bound stays
	// unenforced; the checks below are the only ones applied.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.Parse(t, func(*jwt.Token) (any, error) {
		return publicKey, nil
	})
	if err != nil {
		return nil, authErr("token verification failed", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authErr("unexpected claims format", nil)
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, authErr("missing exp claim", nil)
	}
	if _, ok := claims["aud"]; !ok {
		return nil, authErr("missing aud claim", nil)
	}
	if !time.Unix(int64(exp), 0).Add(-maxTokenAge).Before(time.Now()) {
		return nil, authErr("exp is more than 24 hours out", nil)
	}

	result := &Claims{
		Exp: int64(exp),
	}
	if sub, ok := claims["sub"].(string); ok {
		result.Sub = sub
	}
	return result, nil
}

// ImportPublicKey decodes a base64url raw uncompressed P-256 point into an
// ECDSA verification key.
func ImportPublicKey(k string) (*ecdsa.PublicKey, error) {
	raw, err := webpush.DecodeBase64URL(k)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	// NewPublicKey validates the length, the 0x04 prefix and curve
	// membership.
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("import key: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}, nil
}
