// Package webpush implements the receiving side of the RFC 8188 aes128gcm
// content encoding as used by Web Push (RFC 8291): header parsing, the
// ECDH + HMAC-SHA-256 key derivation chain and per-record AES-128-GCM
// decryption.
package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	headerLen = 21
	tagLen    = 16
	// minRecordSize is the smallest record size that can hold a padding
	// delimiter plus the GCM tag.
	minRecordSize = 18
)

// DecryptionError reports a malformed message or a failed cryptographic
// step. No partial plaintext is ever attached.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webpush: %s: %v", e.Reason, e.Err)
	}
	return "webpush: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func decryptionErr(reason string, err error) error {
	return &DecryptionError{Reason: reason, Err: err}
}

// Decrypt turns a raw encrypted push message into plaintext using the
// subscription's key material. auth is the base64url 16-byte shared
// secret, publicKey the subscriber's raw uncompressed P-256 point and
// privateKey the matching scalar, both base64url.
//
// Message layout: 16-byte salt, 4-byte big-endian record size, 1-byte
// sender key length, the sender's raw public key, then ciphertext split
// into records of exactly rs bytes (the final record may be shorter).
func Decrypt(buf []byte, auth, publicKey, privateKey string) ([]byte, error) {
	if len(buf) < headerLen {
		return nil, decryptionErr("message shorter than header", nil)
	}
	salt := buf[:16]
	rs := binary.BigEndian.Uint32(buf[16:20])
	idlen := int(buf[20])
	if rs < minRecordSize {
		return nil, decryptionErr("record size below minimum", nil)
	}
	if len(buf) < headerLen+idlen {
		return nil, decryptionErr("truncated sender key", nil)
	}
	keyid := buf[headerLen : headerLen+idlen]
	ciphertext := buf[headerLen+idlen:]
	if len(ciphertext) == 0 {
		return nil, decryptionErr("empty ciphertext", nil)
	}

	authSecret, err := DecodeBase64URL(auth)
	if err != nil || len(authSecret) != 16 {
		return nil, decryptionErr("invalid auth secret", err)
	}

	uaPrivate, uaPublicRaw, err := ImportKeyPair(publicKey, privateKey)
	if err != nil {
		return nil, decryptionErr("invalid subscriber key pair", err)
	}
	asPublic, err := ecdh.P256().NewPublicKey(keyid)
	if err != nil {
		return nil, decryptionErr("invalid sender key", err)
	}

	ecdhSecret, err := uaPrivate.ECDH(asPublic)
	if err != nil {
		return nil, decryptionErr("ecdh agreement failed", err)
	}

	cek, nonceBase := deriveKeys(ecdhSecret, authSecret, salt, uaPublicRaw, keyid)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, decryptionErr("cipher setup failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, decryptionErr("cipher setup failed", err)
	}

	var plaintext []byte
	for seq := 0; len(ciphertext) > 0; seq++ {
		recordLen := int(rs)
		if recordLen > len(ciphertext) {
			recordLen = len(ciphertext)
		}
		if recordLen <= tagLen {
			return nil, decryptionErr("truncated record", nil)
		}
		record := ciphertext[:recordLen]
		ciphertext = ciphertext[recordLen:]

		nonce := make([]byte, len(nonceBase))
		copy(nonce, nonceBase)
		nonce[len(nonce)-1] ^= byte(seq)

		decrypted, err := aead.Open(nil, nonce, record, nil)
		if err != nil {
			return nil, decryptionErr("record authentication failed", err)
		}
		if len(decrypted) == 0 {
			return nil, decryptionErr("record missing padding delimiter", nil)
		}
		// The trailing delimiter octet (0x02 for intermediate records,
		// 0x01 for the final one) is stripped, not re-validated.
		plaintext = append(plaintext, decrypted[:len(decrypted)-1]...)
	}
	return plaintext, nil
}

// deriveKeys runs the RFC 8291 HKDF-style chain, producing the 16-byte
// content encryption key and the 12-byte nonce base.
func deriveKeys(ecdhSecret, authSecret, salt, uaPublicRaw, asPublicRaw []byte) (cek, nonceBase []byte) {
	prkKey := hmacSHA256(authSecret, ecdhSecret)

	keyInfo := make([]byte, 0, len("WebPush: info")+1+len(uaPublicRaw)+len(asPublicRaw)+1)
	keyInfo = append(keyInfo, "WebPush: info"...)
	keyInfo = append(keyInfo, 0x00)
	keyInfo = append(keyInfo, uaPublicRaw...)
	keyInfo = append(keyInfo, asPublicRaw...)
	keyInfo = append(keyInfo, 0x01)
	ikm := hmacSHA256(prkKey, keyInfo)

	prk := hmacSHA256(salt, ikm)
	cek = hmacSHA256(prk, []byte("Content-Encoding: aes128gcm\x00\x01"))[:16]
	nonceBase = hmacSHA256(prk, []byte("Content-Encoding: nonce\x00\x01"))[:12]
	return cek, nonceBase
}

// ImportKeyPair imports the subscriber's ECDH key pair from the stored
// base64url fields and verifies the two halves actually belong together.
func ImportKeyPair(publicKey, privateKey string) (*ecdh.PrivateKey, []byte, error) {
	publicRaw, err := DecodeBase64URL(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode public key: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(publicRaw); err != nil {
		return nil, nil, fmt.Errorf("import public key: %w", err)
	}
	scalar, err := DecodeBase64URL(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode private key: %w", err)
	}
	private, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, nil, fmt.Errorf("import private key: %w", err)
	}
	derived := private.PublicKey().Bytes()
	if subtle.ConstantTimeCompare(derived, publicRaw) != 1 {
		return nil, nil, fmt.Errorf("public key does not match private key")
	}
	return private, publicRaw, nil
}

// DecodeBase64URL decodes base64url input with or without padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
