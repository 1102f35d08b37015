package attestation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Signer mints signed TokenClaims at dispatch time, run by the control
// plane holding the private key (never shipped to a task-runtime).
type Signer struct {
	privateKey *rsa.PrivateKey
}

// NewSigner returns a signer using the given RSA private key.
func NewSigner(privateKey *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: privateKey}
}

// Sign produces a TokenClaim binding executionToken to runID/runtimeID at
// the current time.
func (s *Signer) Sign(runID, runtimeID, executionToken string) (*TokenClaim, error) {
	timestamp := time.Now().Unix()
	message := claimMessage(runID, runtimeID, executionToken, timestamp)
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign execution token claim: %w", err)
	}

	return &TokenClaim{
		RunID:          runID,
		RuntimeID:      runtimeID,
		ExecutionToken: executionToken,
		Signature:      base64.StdEncoding.EncodeToString(signature),
		Timestamp:      timestamp,
	}, nil
}

func claimMessage(runID, runtimeID, executionToken string, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", runID, runtimeID, executionToken, timestamp)
}
