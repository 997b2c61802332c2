package vapid_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/vapid"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/webpush/webpushtest"
)

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"aud": "https://relay.example.com",
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": "https://misskey.example.com/@alice",
	}
}

func TestVerifyAccepted(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)
	authorization := sender.Authorization(t, validClaims())

	claims, err := vapid.Verify(authorization, sender.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "https://misskey.example.com/@alice", claims.Sub)
	assert.Equal(t, "misskey.example.com", claims.SubHost())
}

func TestVerifySchemeCaseInsensitive(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)
	authorization := "VAPID" + sender.Authorization(t, validClaims())[len("vapid"):]

	_, err := vapid.Verify(authorization, sender.PublicKey)
	assert.NoError(t, err)
}

func TestVerifyRejectsWrongSigningKey(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)
	impostor := webpushtest.NewVapidSender(t)

	// Token signed by a different key but presenting the pinned k value.
	forged := impostor.Authorization(t, validClaims())
	forged = forged[:len(forged)-len(impostor.PublicKey)] + sender.PublicKey

	_, err := vapid.Verify(forged, sender.PublicKey)
	assertAuthError(t, err)
}

func TestVerifyRejectsKeyMismatch(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)
	pinned := webpushtest.NewVapidSender(t)

	_, err := vapid.Verify(sender.Authorization(t, validClaims()), pinned.PublicKey)
	assertAuthError(t, err)
}

func TestVerifyRejectsExpTooFarOut(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)
	claims := validClaims()
	claims["exp"] = time.Now().Add(25 * time.Hour).Unix()

	_, err := vapid.Verify(sender.Authorization(t, claims), sender.PublicKey)
	assertAuthError(t, err)
}

func TestVerifyAcceptsExpiredToken(t *testing.T) {
	// The exp lower bound is deliberately not enforced.
	sender := webpushtest.NewVapidSender(t)
	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := vapid.Verify(sender.Authorization(t, claims), sender.PublicKey)
	assert.NoError(t, err)
}

func TestVerifyRejectsMissingClaims(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)

	noExp := validClaims()
	delete(noExp, "exp")
	_, err := vapid.Verify(sender.Authorization(t, noExp), sender.PublicKey)
	assertAuthError(t, err)

	noAud := validClaims()
	delete(noAud, "aud")
	_, err = vapid.Verify(sender.Authorization(t, noAud), sender.PublicKey)
	assertAuthError(t, err)
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)

	tests := []struct {
		name          string
		authorization string
	}{
		{name: "empty", authorization: ""},
		{name: "wrong scheme", authorization: "Bearer abc"},
		{name: "missing t", authorization: "vapid k=" + sender.PublicKey},
		{name: "missing k", authorization: "vapid t=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vapid.Verify(tt.authorization, sender.PublicKey)
			assertAuthError(t, err)
		})
	}
}

func TestSubHost(t *testing.T) {
	claims := &vapid.Claims{Sub: "mailto:admin@example.com"}
	assert.Equal(t, "", claims.SubHost())

	claims = &vapid.Claims{Sub: ""}
	assert.Equal(t, "", claims.SubHost())

	claims = &vapid.Claims{Sub: "https://misskey.example.com:3000/path"}
	assert.Equal(t, "misskey.example.com", claims.SubHost())
}

func TestImportPublicKey(t *testing.T) {
	sender := webpushtest.NewVapidSender(t)
	_, err := vapid.ImportPublicKey(sender.PublicKey)
	require.NoError(t, err)

	_, err = vapid.ImportPublicKey("AAAA")
	assert.Error(t, err)
}

func assertAuthError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var authErr *vapid.AuthError
	require.ErrorAs(t, err, &authErr)
}
