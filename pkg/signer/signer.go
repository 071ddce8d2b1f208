// Package signer produces and verifies detached Ed25519 signatures over
// canonical approval bytes.
//
// Two backends exist: a local in-process key and a remote KMS reached over
// HTTP. Both expose the same Signer interface so the bridge never knows
// where the private key lives. Private key material never leaves the
// backend; local keys are zeroed on Close.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/aureus-labs/sentinel/pkg/canonical"
	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// Environment variables read by FromEnv.
const (
	EnvPrivateKey = "SIGNER_PRIVATE_KEY"
	EnvPublicKey  = "SIGNER_PUBLIC_KEY"
	EnvKeyID      = "SIGNER_KEY_ID"
	EnvBackend    = "SIGNER_BACKEND"
	EnvDevMode    = "DEV_MODE"
)

var (
	// ErrNoKey is returned when no key material is configured and dev mode
	// is off. Production never runs on an ephemeral key.
	ErrNoKey = errors.New("signer: no key material configured")
	// ErrClosed is returned after Close has zeroed the key.
	ErrClosed = errors.New("signer: closed")
)

// Signer signs canonical approval bytes with a detached Ed25519 signature.
type Signer interface {
	// Sign fills in the approval's Signature and KeyID. The signature
	// covers the canonical form of the approval with Signature empty.
	Sign(ctx context.Context, approval *contracts.Approval) error
	// KeyID identifies the signing key.
	KeyID() string
	// PublicKey returns the verification key, base64 encoded.
	PublicKey() string
}

// Local signs with an in-process Ed25519 private key.
type Local struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// NewLocal wraps an existing private key. The key is owned by the signer
// from this point and zeroed on Close.
func NewLocal(priv ed25519.PrivateKey, keyID string) (*Local, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Local{
		keyID: keyID,
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeral generates a throwaway key pair. Dev mode only.
func NewEphemeral(keyID string) (*Local, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return NewLocal(priv, keyID)
}

// LocalFromEnv builds a local signer from SIGNER_PRIVATE_KEY (base64, 64
// bytes). When the variable is unset, an ephemeral key is generated only if
// DEV_MODE=true; otherwise ErrNoKey.
func LocalFromEnv() (*Local, error) {
	keyID := os.Getenv(EnvKeyID)
	if keyID == "" {
		keyID = "local-1"
	}

	encoded := os.Getenv(EnvPrivateKey)
	if encoded == "" {
		if os.Getenv(EnvDevMode) == "true" {
			return NewEphemeral(keyID)
		}
		return nil, ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("signer: %s is not base64: %w", EnvPrivateKey, err)
	}
	return NewLocal(ed25519.PrivateKey(raw), keyID)
}

func (s *Local) Sign(_ context.Context, approval *contracts.Approval) error {
	if s.priv == nil {
		return ErrClosed
	}
	approval.KeyID = s.keyID
	payload, err := approval.SigningBytes()
	if err != nil {
		return fmt.Errorf("signer: canonicalize approval: %w", err)
	}
	sig := ed25519.Sign(s.priv, payload)
	approval.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

func (s *Local) KeyID() string { return s.keyID }

func (s *Local) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// PublicKeyBytes returns the raw verification key.
func (s *Local) PublicKeyBytes() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(s.pub))
	copy(out, s.pub)
	return out
}

// Close zeroes the private key. Further Sign calls return ErrClosed.
func (s *Local) Close() error {
	for i := range s.priv {
		s.priv[i] = 0
	}
	s.priv = nil
	return nil
}

// Verify checks a detached approval signature against a public key. The
// check recomputes the canonical signing bytes; any field mutation after
// signing flips the result.
func Verify(approval contracts.Approval, pub ed25519.PublicKey) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signer: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(approval.Signature)
	if err != nil {
		return false, fmt.Errorf("signer: signature is not base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signer: signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	payload, err := approval.SigningBytes()
	if err != nil {
		return false, fmt.Errorf("signer: canonicalize approval: %w", err)
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// HashPayload computes the payload hash bound into an approval.
func HashPayload(v interface{}) (string, error) {
	return canonical.Hash(v)
}
