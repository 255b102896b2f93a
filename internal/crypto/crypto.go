// Package crypto provides the cryptographic core for the encrypted channel:
// ephemeral X25519 key agreement, HKDF-SHA256 session key derivation, and
// AES-256-GCM authenticated encryption with per-message random nonces.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of AES-GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the AES-GCM authentication tag in bytes.
	TagSize = 16

	// EncryptionOverhead is the total overhead added to each sealed message:
	// the prepended nonce plus the appended authentication tag.
	EncryptionOverhead = NonceSize + TagSize

	// SessionKeyInfo is the HKDF info string for session key derivation.
	// Frozen for wire compatibility; changing it breaks the protocol.
	SessionKeyInfo = "p2p-messenger-v2-forward-secrecy"
)

// ErrAuthFailed is returned by Decrypt when the authentication tag does not
// verify. The session engine treats this as fatal.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// ErrInvalidPeerPoint is returned when a remote X25519 point is the
// all-zero low-order point.
var ErrInvalidPeerPoint = errors.New("crypto: invalid remote ephemeral point")

// EphemeralKeyPair is a per-session X25519 keypair. It must never be reused
// across sessions, persisted, or logged.
type EphemeralKeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateEphemeral produces a fresh, cryptographically random X25519
// keypair for a single session.
func GenerateEphemeral() (*EphemeralKeyPair, error) {
	kp := &EphemeralKeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}

	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Zero zeroizes the ephemeral private scalar. Callers must invoke this
// immediately after deriving the session key.
func (kp *EphemeralKeyPair) Zero() {
	ZeroBytes(kp.Private[:])
}

// ECDH performs the X25519 scalar multiplication producing the shared
// secret between a local ephemeral private key and a remote public point.
func ECDH(localPrivate, remotePublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	var zero [KeySize]byte

	if remotePublic == zero {
		return shared, ErrInvalidPeerPoint
	}

	curve25519.ScalarMult(&shared, &localPrivate, &remotePublic)
	return shared, nil
}

// DeriveSessionKey derives the 32-byte symmetric session key from an ECDH
// shared secret via HKDF-SHA256 with an empty salt and the frozen wire info
// string.
func DeriveSessionKey(shared [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	reader := hkdf.New(sha256.New, shared[:], nil, []byte(SessionKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("crypto: derive session key: %w", err)
	}
	return key, nil
}

// SessionKey is the symmetric key used for all post-handshake AEAD traffic
// on one session.
type SessionKey struct {
	key [KeySize]byte
}

// NewSessionKey wraps a derived key.
func NewSessionKey(key [KeySize]byte) *SessionKey {
	return &SessionKey{key: key}
}

// Encrypt seals plaintext under a fresh random 12-byte nonce and returns
// nonce ‖ ciphertext ‖ tag.
func (s *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := newGCM(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(sealed, nonce)
	sealed = aead.Seal(sealed, nonce, plaintext, nil)
	return sealed, nil
}

// Decrypt opens a packet produced by Encrypt. Any failure, including a
// short input or tag mismatch, is reported as ErrAuthFailed.
func (s *SessionKey) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < EncryptionOverhead {
		return nil, ErrAuthFailed
	}

	aead, err := newGCM(s.key)
	if err != nil {
		return nil, err
	}

	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Zero zeroizes the session key. Call this on every session exit path.
func (s *SessionKey) Zero() {
	ZeroBytes(s.key[:])
}

// Key returns a copy of the raw session key bytes. Exposed only for tests
// that need to assert zeroization; production code never reads it back.
func (s *SessionKey) Key() [KeySize]byte {
	return s.key
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: create AEAD: %w", err)
	}
	return aead, nil
}

// ZeroBytes overwrites a byte slice with zeroes, used to scrub ephemeral
// private keys and shared secrets from memory once they are no longer
// needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
