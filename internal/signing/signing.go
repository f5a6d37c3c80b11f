// Package signing provides HMAC-SHA256 job-envelope signing and verification.
// Every job the kernel relays to a worker is signed; the worker verifies the
// signature before executing. This prevents MITM job injection.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer creates and verifies HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes HMAC-SHA256 over envelopeID|json(payload).
func (s *Signer) Sign(envelopeID string, payload any) (string, error) {
	canonical, err := canonicalize(envelopeID, payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature matches the payload.
func (s *Signer) Verify(envelopeID string, payload any, signature string) error {
	expected, err := s.Sign(envelopeID, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func canonicalize(envelopeID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical := make([]byte, 0, len(envelopeID)+1+len(data))
	canonical = append(canonical, []byte(envelopeID)...)
	canonical = append(canonical, '|')
	canonical = append(canonical, data...)
	return canonical, nil
}

// DeriveWorkerKey derives a per-worker signing key from a master key.
func DeriveWorkerKey(masterKey []byte, workerID string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("jobmesh-worker-signing|" + workerID))
	return mac.Sum(nil)
}
