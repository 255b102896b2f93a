package invite

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fibo3090-code/secure-p2p-chat/internal/identity"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	link, err := Encode("Alice", kp.Public, "198.51.100.4:12345")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.HasPrefix(link, scheme) {
		t.Fatalf("Encode() = %q, want prefix %q", link, scheme)
	}

	cand, err := Parse(link)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	wantFP, _ := identity.Fingerprint(kp.Public)
	if cand.Fingerprint != wantFP {
		t.Errorf("Fingerprint = %q, want %q", cand.Fingerprint, wantFP)
	}
	if cand.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", cand.DisplayName)
	}
	if cand.Address != "198.51.100.4:12345" {
		t.Errorf("Address = %q, want 198.51.100.4:12345", cand.Address)
	}
	if cand.PublicKey.N.Cmp(kp.Public.N) != 0 {
		t.Error("decoded public key does not match original")
	}
}

func TestParseRejectsWrongScheme(t *testing.T) {
	if _, err := Parse("https://example.com/invite"); err != ErrMalformedInvite {
		t.Errorf("Parse() error = %v, want ErrMalformedInvite", err)
	}
}

func TestParseRejectsGarbageBase64(t *testing.T) {
	if _, err := Parse(scheme + "!!!not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64 payload")
	}
}

func TestParseRejectsTamperedFingerprint(t *testing.T) {
	kpA, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	kpB, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	encodedKeyA, err := identity.EncodePublic(kpA.Public)
	if err != nil {
		t.Fatalf("EncodePublic() error = %v", err)
	}
	fpB, err := identity.Fingerprint(kpB.Public)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	// Claim a fingerprint that does not actually belong to the enclosed
	// key; Parse must reject the mismatch rather than trusting it.
	raw, err := json.Marshal(payload{
		Name:        "Mallory",
		Fingerprint: fpB,
		PublicKey:   encodedKeyA,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	tampered := scheme + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	if _, err := Parse(tampered); err != ErrFingerprintMismatch {
		t.Errorf("Parse() error = %v, want ErrFingerprintMismatch", err)
	}
}
