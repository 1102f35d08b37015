package attestation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"time"
)

const allowedClockSkewSeconds = 5 * 60

// Verifier checks TokenClaims presented alongside runtime Heartbeat/event
// traffic. Disabled verifiers accept every claim, for deployments that
// haven't provisioned a keypair.
type Verifier struct {
	publicKey *rsa.PublicKey
	enabled   bool
}

// NewVerifier parses publicKeyPEM and returns a Verifier. If enabled is
// false, publicKeyPEM is ignored and Verify always succeeds.
func NewVerifier(publicKeyPEM string, enabled bool) (*Verifier, error) {
	if !enabled {
		return &Verifier{enabled: false}, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return &Verifier{publicKey: rsaPub, enabled: true}, nil
}

// Verify checks the claim's signature and that its timestamp falls within
// the allowed clock-skew window.
func (v *Verifier) Verify(claim *TokenClaim) error {
	if !v.enabled {
		return nil
	}

	now := time.Now().Unix()
	if skew := abs(now - claim.Timestamp); skew > allowedClockSkewSeconds {
		return fmt.Errorf("timestamp skew too large: %d seconds (max: %d)", skew, allowedClockSkewSeconds)
	}

	message := claimMessage(claim.RunID, claim.RuntimeID, claim.ExecutionToken, claim.Timestamp)
	signature, err := base64.StdEncoding.DecodeString(claim.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	hashed := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], signature); err != nil {
		log.Printf("[ATTESTATION] ⚠️ verification failed for run %s runtime %s: %v", claim.RunID, claim.RuntimeID, err)
		return fmt.Errorf("signature verification failed: %w", err)
	}

	return nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// IsEnabled reports whether this verifier enforces signatures.
func (v *Verifier) IsEnabled() bool {
	return v.enabled
}
