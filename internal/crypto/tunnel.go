package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived AES-256 keys.
	KeySize = 32
	// NonceSize is the AES-GCM nonce size (96 bits).
	NonceSize = 12

	// RequestKeyInfo is the HKDF info for keys protecting caller -> peer traffic.
	RequestKeyInfo = "qtunnel/1 request key"
	// ResponseKeyInfo is the HKDF info for keys protecting peer -> caller traffic.
	ResponseKeyInfo = "qtunnel/1 response key"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid X25519 key")
)

// KeyPair is an X25519 key pair. Ephemeral pairs are used for exactly one exchange.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Wipe zeroes the private scalar.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// DeriveKey computes the X25519 shared secret between private and peerPublic and
// expands it with HKDF-SHA256 (no salt) into a 32-byte key bound to info.
func DeriveKey(private, peerPublic []byte, info string) ([]byte, error) {
	if len(private) != KeySize || len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: keys must be %d bytes", ErrInvalidKey, KeySize)
	}

	// X25519 returns an error for low-order points (all-zero output).
	shared, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	r := hkdf.New(sha256.New, shared, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: AES-256 key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptPayload seals plaintext with AES-256-GCM under a fresh random nonce.
// aad is authenticated but not encrypted; callers pass the correlation id bytes.
func EncryptPayload(plaintext, key, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// DecryptPayload opens ciphertext sealed by EncryptPayload. Any authentication
// failure, including a wrong key or a different aad, returns ErrDecryptionFailed.
func DecryptPayload(ciphertext, key, nonce, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecryptionFailed, NonceSize)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncodeBinary encodes a binary envelope field (base64url, no padding).
func EncodeBinary(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBinary decodes a binary envelope field.
func DecodeBinary(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// HashToken returns the SHA-256 of a secret token.
func HashToken(token string) [sha256.Size]byte {
	return sha256.Sum256([]byte(token))
}

// TokenMatches reports whether token hashes to storedHash, in constant time.
func TokenMatches(token string, storedHash []byte) bool {
	h := HashToken(token)
	return subtle.ConstantTimeCompare(h[:], storedHash) == 1
}

// RandomToken returns n random bytes encoded as base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return EncodeBinary(b), nil
}
