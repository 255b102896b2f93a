// Package identity manages the long-term RSA identity keypair used to
// authenticate a peer across sessions.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// RSAKeyBits is the frozen long-term identity key size.
	RSAKeyBits = 2048

	privateKeyFileName = "identity.pem"
	publicKeyFileName  = "identity_pub.pem"

	pemPrivateBlockType = "RSA PRIVATE KEY"
	pemPublicBlockType  = "PUBLIC KEY"
)

var (
	// ErrInvalidPublicKey is returned when a public key fails to decode.
	ErrInvalidPublicKey = errors.New("identity: invalid public key encoding")

	// ErrKeygenFailed is returned when RSA key generation fails.
	ErrKeygenFailed = errors.New("identity: key generation failed")

	// ErrNotFound is returned when no identity exists at the data directory.
	ErrNotFound = errors.New("identity: no identity found")
)

// KeyPair is the long-term asymmetric identity of one endpoint. Only the
// public half ever leaves the process.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Generate creates a fresh RSA-2048 identity keypair. This is CPU-expensive
// (100-500ms) and callers must not run it on a latency-sensitive path (see
// GenerateAsync).
func Generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeygenFailed, err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// GenerateAsync runs Generate on its own goroutine and reports the result on
// the returned channel, so that a caller's reactor loop is never blocked by
// RSA key generation.
func GenerateAsync() <-chan KeygenResult {
	out := make(chan KeygenResult, 1)
	go func() {
		kp, err := Generate()
		out <- KeygenResult{KeyPair: kp, Err: err}
	}()
	return out
}

// KeygenResult is the outcome delivered by GenerateAsync.
type KeygenResult struct {
	KeyPair *KeyPair
	Err     error
}

// EncodePublic renders pk as a PEM-armored SPKI block, stable across calls.
func EncodePublic(pk *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	block := &pem.Block{Type: pemPublicBlockType, Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// DecodePublic parses a PEM-armored SPKI block produced by EncodePublic.
func DecodePublic(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return rsaKey, nil
}

func encodePrivate(priv *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: pemPrivateBlockType, Bytes: der}
	return pem.EncodeToMemory(block)
}

func decodePrivate(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("identity: invalid private key encoding")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid private key encoding: %w", err)
	}
	return priv, nil
}

// Fingerprint returns the 64-character lowercase hex SHA-256 digest of pk's
// canonical encoding. Equal keys always produce equal fingerprints.
func Fingerprint(pk *rsa.PublicKey) (string, error) {
	encoded, err := EncodePublic(pk)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Store persists kp under dataDir, writing both halves atomically
// (write-to-temp then rename), matching the reference identity-store
// pattern used elsewhere in this module for small persisted artifacts.
func (kp *KeyPair) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	pubBytes, err := EncodePublic(kp.Public)
	if err != nil {
		return err
	}
	privBytes := encodePrivate(kp.Private)

	if err := atomicWrite(filepath.Join(dataDir, privateKeyFileName), privBytes, 0600); err != nil {
		return fmt.Errorf("identity: persist private key: %w", err)
	}
	if err := atomicWrite(filepath.Join(dataDir, publicKeyFileName), pubBytes, 0644); err != nil {
		return fmt.Errorf("identity: persist public key: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads a previously stored identity from dataDir.
func Load(dataDir string) (*KeyPair, error) {
	privPath := filepath.Join(dataDir, privateKeyFileName)
	privBytes, err := os.ReadFile(privPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	priv, err := decodePrivate(privBytes)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// Exists reports whether an identity is already persisted under dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, privateKeyFileName))
	return err == nil
}

// LoadOrCreate loads the identity under dataDir, generating and persisting a
// new one on first run. The returned bool reports whether a new identity was
// created. Per design, this is loaded once at process start and handed out
// as an immutable view; it is never reloaded mid-run.
func LoadOrCreate(dataDir string) (*KeyPair, bool, error) {
	kp, err := Load(dataDir)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	kp, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}
