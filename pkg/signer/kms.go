package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aureus-labs/sentinel/pkg/breaker"
	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// Environment variables for the KMS backend.
const (
	EnvKMSEndpoint = "KMS_ENDPOINT"
	EnvKMSKeyID    = "KMS_KEY_ID"
)

// ErrKMSUnavailable wraps transport and breaker failures from the remote
// signing service. The bridge maps it to a 503 so callers can retry.
var ErrKMSUnavailable = errors.New("signer: kms unavailable")

type kmsSignRequest struct {
	KeyID   string `json:"key_id"`
	Message string `json:"message"` // base64 canonical approval bytes
}

type kmsSignResponse struct {
	Signature string `json:"signature"` // base64 detached Ed25519
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key,omitempty"`
}

// KMS signs via a remote signing service over HTTP. The private key never
// enters this process; only canonical message bytes go over the wire. Every
// call runs under the KMS breaker profile.
type KMS struct {
	endpoint string
	keyID    string
	pubKey   string
	client   *http.Client
	cb       *breaker.Breaker
}

// KMSOption customizes the KMS client.
type KMSOption func(*KMS)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) KMSOption {
	return func(k *KMS) { k.client = c }
}

// WithBreaker replaces the default KMS-profile breaker.
func WithBreaker(cb *breaker.Breaker) KMSOption {
	return func(k *KMS) { k.cb = cb }
}

// NewKMS builds a remote signer client for the given endpoint and key.
func NewKMS(endpoint, keyID string, opts ...KMSOption) (*KMS, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("signer: kms endpoint required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("signer: kms key id required")
	}
	k := &KMS{
		endpoint: endpoint,
		keyID:    keyID,
		client:   &http.Client{Timeout: 5 * time.Second},
		cb:       breaker.New("kms", breaker.ProfileKMS),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// KMSFromEnv builds the KMS signer from KMS_ENDPOINT and KMS_KEY_ID.
func KMSFromEnv(opts ...KMSOption) (*KMS, error) {
	return NewKMS(os.Getenv(EnvKMSEndpoint), os.Getenv(EnvKMSKeyID), opts...)
}

func (k *KMS) Sign(ctx context.Context, approval *contracts.Approval) error {
	approval.KeyID = k.keyID
	payload, err := approval.SigningBytes()
	if err != nil {
		return fmt.Errorf("signer: canonicalize approval: %w", err)
	}

	var resp kmsSignResponse
	err = k.cb.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = k.sign(ctx, payload)
		return callErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return fmt.Errorf("%w: circuit open", ErrKMSUnavailable)
		}
		return err
	}

	if resp.KeyID != k.keyID {
		return fmt.Errorf("signer: kms signed with unexpected key %q, want %q", resp.KeyID, k.keyID)
	}
	if _, err := base64.StdEncoding.DecodeString(resp.Signature); err != nil {
		return fmt.Errorf("signer: kms returned non-base64 signature: %w", err)
	}
	if resp.PublicKey != "" {
		k.pubKey = resp.PublicKey
	}
	approval.Signature = resp.Signature
	return nil
}

func (k *KMS) sign(ctx context.Context, payload []byte) (kmsSignResponse, error) {
	body, err := json.Marshal(kmsSignRequest{
		KeyID:   k.keyID,
		Message: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return kmsSignResponse{}, fmt.Errorf("signer: marshal kms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint+"/v1/sign", bytes.NewReader(body))
	if err != nil {
		return kmsSignResponse{}, fmt.Errorf("signer: build kms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := k.client.Do(req)
	if err != nil {
		return kmsSignResponse{}, fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return kmsSignResponse{}, fmt.Errorf("%w: status %d: %s", ErrKMSUnavailable, httpResp.StatusCode, bytes.TrimSpace(data))
	}

	var resp kmsSignResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return kmsSignResponse{}, fmt.Errorf("signer: decode kms response: %w", err)
	}
	return resp, nil
}

func (k *KMS) KeyID() string { return k.keyID }

// PublicKey returns the verification key last reported by the service, or
// empty before the first successful sign.
func (k *KMS) PublicKey() string { return k.pubKey }

// Breaker exposes the KMS breaker for registry wiring and health reporting.
func (k *KMS) Breaker() *breaker.Breaker { return k.cb }

// FromEnv selects the backend by SIGNER_BACKEND ("local" default, "kms").
func FromEnv() (Signer, error) {
	switch backend := os.Getenv(EnvBackend); backend {
	case "", "local":
		return LocalFromEnv()
	case "kms":
		return KMSFromEnv()
	default:
		return nil, fmt.Errorf("signer: unknown backend %q", backend)
	}
}
