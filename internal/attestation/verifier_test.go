package attestation

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func generateTestKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	pubKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})
	return privateKey, string(pubKeyPEM)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	privateKey, pubPEM := generateTestKeys(t)
	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	signer := NewSigner(privateKey)

	claim, err := signer.Sign("run1", "rt1", "tok_abc")
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if err := verifier.Verify(claim); err != nil {
		t.Errorf("expected verification to succeed: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	privateKey, pubPEM := generateTestKeys(t)
	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	signer := NewSigner(privateKey)

	claim, err := signer.Sign("run1", "rt1", "tok_abc")
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	claim.ExecutionToken = "tok_tampered"

	if err := verifier.Verify(claim); err == nil {
		t.Error("expected verification to fail for a tampered claim")
	}
}

func TestVerifyRejectsExpiredTimestamp(t *testing.T) {
	privateKey, pubPEM := generateTestKeys(t)
	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	signer := NewSigner(privateKey)

	claim, err := signer.Sign("run1", "rt1", "tok_abc")
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	claim.Timestamp = time.Now().Add(-time.Hour).Unix()

	if err := verifier.Verify(claim); err == nil {
		t.Error("expected verification to fail for a stale timestamp outside the skew window")
	}
}

func TestVerifyDisabledAcceptsAnyClaim(t *testing.T) {
	verifier, err := NewVerifier("", false)
	if err != nil {
		t.Fatalf("failed to create disabled verifier: %v", err)
	}
	claim := &TokenClaim{RunID: "run1", RuntimeID: "rt1", ExecutionToken: "invalid", Signature: "invalid", Timestamp: time.Now().Unix()}

	if err := verifier.Verify(claim); err != nil {
		t.Errorf("expected disabled verifier to accept any claim, got %v", err)
	}
}
