// Package invite parses the chat-p2p://invite/<base64> links used to
// bootstrap a contact out of band, before any session has been
// established with that peer.
package invite

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fibo3090-code/secure-p2p-chat/internal/identity"
)

const scheme = "chat-p2p://invite/"

// ErrMalformedInvite is returned when the link is not a well-formed
// invite URI.
var ErrMalformedInvite = errors.New("invite: malformed invite link")

// ErrFingerprintMismatch is returned when the fingerprint embedded in
// the invite does not match the enclosed public key.
var ErrFingerprintMismatch = errors.New("invite: fingerprint does not match enclosed public key")

// payload is the JSON document carried, base64-encoded, after the
// scheme prefix.
type payload struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   []byte `json:"public_key"`
	Address     string `json:"address,omitempty"`
}

// Candidate is a contact extracted from a verified invite link.
type Candidate struct {
	DisplayName string
	Fingerprint string
	PublicKey   *rsa.PublicKey
	Address     string
}

// Parse decodes and verifies an invite link, returning the contact
// candidate it describes. The embedded fingerprint is recomputed from
// the embedded public key and compared, so a link cannot claim a
// fingerprint that does not belong to the key it carries.
func Parse(link string) (Candidate, error) {
	if !strings.HasPrefix(link, scheme) {
		return Candidate{}, ErrMalformedInvite
	}

	encoded := strings.TrimPrefix(link, scheme)
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		// Fall back to standard padding for links minted by other tools.
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Candidate{}, fmt.Errorf("%w: %v", ErrMalformedInvite, err)
		}
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrMalformedInvite, err)
	}

	pub, err := identity.DecodePublic(p.PublicKey)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrMalformedInvite, err)
	}

	fp, err := identity.Fingerprint(pub)
	if err != nil {
		return Candidate{}, fmt.Errorf("invite: compute fingerprint: %w", err)
	}
	if fp != strings.ToLower(p.Fingerprint) {
		return Candidate{}, ErrFingerprintMismatch
	}

	return Candidate{
		DisplayName: p.Name,
		Fingerprint: fp,
		PublicKey:   pub,
		Address:     p.Address,
	}, nil
}

// Encode builds an invite link for the local identity, optionally
// advertising a reachable network address.
func Encode(displayName string, pub *rsa.PublicKey, address string) (string, error) {
	encoded, err := identity.EncodePublic(pub)
	if err != nil {
		return "", fmt.Errorf("invite: encode public key: %w", err)
	}
	fp, err := identity.Fingerprint(pub)
	if err != nil {
		return "", fmt.Errorf("invite: compute fingerprint: %w", err)
	}

	raw, err := json.Marshal(payload{
		Name:        displayName,
		Fingerprint: fp,
		PublicKey:   encoded,
		Address:     address,
	})
	if err != nil {
		return "", fmt.Errorf("invite: marshal payload: %w", err)
	}

	return scheme + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw), nil
}
