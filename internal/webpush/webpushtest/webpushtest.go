// Package webpushtest provides sender-side fixtures for exercising the
// relay: subscriber key generation, aes128gcm encryption and VAPID header
// signing. The derivation chain here is written independently of the
// production decryptor so round-trip tests check both directions.
package webpushtest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/golang-jwt/jwt/v4"
)

// Subscriber is a generated user-agent key set in the same base64url form
// a subscription record stores.
type Subscriber struct {
	Auth       string
	PublicKey  string
	PrivateKey string

	authRaw []byte
	key     *ecdh.PrivateKey
}

func NewSubscriber(tb testing.TB) *Subscriber {
	tb.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("generate subscriber key: %v", err)
	}
	authRaw := make([]byte, 16)
	if _, err := rand.Read(authRaw); err != nil {
		tb.Fatalf("generate auth secret: %v", err)
	}
	return &Subscriber{
		Auth:       base64.RawURLEncoding.EncodeToString(authRaw),
		PublicKey:  base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		PrivateKey: base64.RawURLEncoding.EncodeToString(key.Bytes()),
		authRaw:    authRaw,
		key:        key,
	}
}

// Encrypt produces an aes128gcm message for the subscriber using a fresh
// ephemeral sender key. rs is the record size written into the header;
// plaintext longer than rs-17 bytes is split across records.
func (s *Subscriber) Encrypt(tb testing.TB, plaintext []byte, rs uint32) []byte {
	tb.Helper()

	sender, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("generate sender key: %v", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		tb.Fatalf("generate salt: %v", err)
	}

	shared, err := sender.ECDH(s.key.PublicKey())
	if err != nil {
		tb.Fatalf("ecdh: %v", err)
	}
	uaPublicRaw := s.key.PublicKey().Bytes()
	senderPublicRaw := sender.PublicKey().Bytes()

	prkKey := hmacSHA256(s.authRaw, shared)
	keyInfo := append([]byte("WebPush: info\x00"), uaPublicRaw...)
	keyInfo = append(keyInfo, senderPublicRaw...)
	keyInfo = append(keyInfo, 0x01)
	ikm := hmacSHA256(prkKey, keyInfo)
	prk := hmacSHA256(salt, ikm)
	cek := hmacSHA256(prk, []byte("Content-Encoding: aes128gcm\x00\x01"))[:16]
	nonceBase := hmacSHA256(prk, []byte("Content-Encoding: nonce\x00\x01"))[:12]

	block, err := aes.NewCipher(cek)
	if err != nil {
		tb.Fatalf("cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		tb.Fatalf("gcm: %v", err)
	}

	message := make([]byte, 0, 21+len(senderPublicRaw)+len(plaintext)+64)
	message = append(message, salt...)
	message = binary.BigEndian.AppendUint32(message, rs)
	message = append(message, byte(len(senderPublicRaw)))
	message = append(message, senderPublicRaw...)

	chunkSize := int(rs) - 17
	if chunkSize <= 0 {
		tb.Fatalf("record size %d too small", rs)
	}
	for seq := 0; ; seq++ {
		chunk := plaintext
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		plaintext = plaintext[len(chunk):]
		last := len(plaintext) == 0

		record := make([]byte, 0, len(chunk)+1)
		record = append(record, chunk...)
		if last {
			record = append(record, 0x01)
		} else {
			record = append(record, 0x02)
		}

		nonce := make([]byte, len(nonceBase))
		copy(nonce, nonceBase)
		nonce[len(nonce)-1] ^= byte(seq)
		message = append(message, aead.Seal(nil, nonce, record, nil)...)

		if last {
			return message
		}
	}
}

// VapidSender signs VAPID authorization headers with a generated P-256
// key.
type VapidSender struct {
	// PublicKey is the base64url raw public key, the value of the k
	// parameter and of a subscription's vapidKey field.
	PublicKey string

	key *ecdsa.PrivateKey
}

func NewVapidSender(tb testing.TB) *VapidSender {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate vapid key: %v", err)
	}
	publicKey, err := key.PublicKey.ECDH()
	if err != nil {
		tb.Fatalf("export vapid key: %v", err)
	}
	return &VapidSender{
		PublicKey: base64.RawURLEncoding.EncodeToString(publicKey.Bytes()),
		key:       key,
	}
}

// Authorization builds a `vapid t=...,k=...` header over the claims.
func (v *VapidSender) Authorization(tb testing.TB, claims jwt.MapClaims) string {
	tb.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(v.key)
	if err != nil {
		tb.Fatalf("sign vapid token: %v", err)
	}
	return "vapid t=" + token + ",k=" + v.PublicKey
}

func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
