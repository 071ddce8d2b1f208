package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// EnvTrustedKeys lists verification keys as "keyId=base64pub,keyId=base64pub".
const EnvTrustedKeys = "TRUSTED_PUBLIC_KEYS"

// TrustedKeys is the verifier-side key set. Unknown key IDs fail closed:
// a signature from a key not in the set never verifies.
type TrustedKeys struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewTrustedKeys builds an empty key set.
func NewTrustedKeys() *TrustedKeys {
	return &TrustedKeys{keys: make(map[string]ed25519.PublicKey)}
}

// TrustedKeysFromEnv parses TRUSTED_PUBLIC_KEYS. An empty variable yields
// an empty set, which rejects everything.
func TrustedKeysFromEnv() (*TrustedKeys, error) {
	return ParseTrustedKeys(os.Getenv(EnvTrustedKeys))
}

// ParseTrustedKeys parses the "keyId=base64pub,..." list format.
func ParseTrustedKeys(spec string) (*TrustedKeys, error) {
	tk := NewTrustedKeys()
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return tk, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		keyID, encoded, found := strings.Cut(entry, "=")
		if !found || keyID == "" {
			return nil, fmt.Errorf("signer: malformed trusted key entry %q", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("signer: trusted key %q is not base64: %w", keyID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signer: trusted key %q must be %d bytes, got %d", keyID, ed25519.PublicKeySize, len(raw))
		}
		tk.Add(keyID, ed25519.PublicKey(raw))
	}
	return tk, nil
}

// Add registers (or rotates) a verification key.
func (tk *TrustedKeys) Add(keyID string, pub ed25519.PublicKey) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	next := make(map[string]ed25519.PublicKey, len(tk.keys)+1)
	for k, v := range tk.keys {
		next[k] = v
	}
	cp := make(ed25519.PublicKey, len(pub))
	copy(cp, pub)
	next[keyID] = cp
	tk.keys = next
}

// Lookup returns the verification key for keyID.
func (tk *TrustedKeys) Lookup(keyID string) (ed25519.PublicKey, bool) {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	pub, ok := tk.keys[keyID]
	return pub, ok
}

// Verify checks an approval signature against the key named by its KeyID.
// Unknown key IDs are a verification failure, not an error.
func (tk *TrustedKeys) Verify(approval contracts.Approval) (bool, error) {
	pub, ok := tk.Lookup(approval.KeyID)
	if !ok {
		return false, nil
	}
	return Verify(approval, pub)
}

// Len reports the number of trusted keys.
func (tk *TrustedKeys) Len() int {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	return len(tk.keys)
}
