package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

func testApproval() contracts.Approval {
	return contracts.Approval{
		Version:       contracts.EnvelopeVersion,
		Type:          contracts.TypeApproval,
		ApprovalID:    "approval-1",
		PlanID:        "plan-abc",
		IssuedAt:      time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		ExpiresAt:     time.Date(2026, 8, 24, 10, 10, 0, 0, time.UTC),
		HumanApproved: false,
		PayloadHash:   "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}
}

func TestLocal_SignVerifyRoundTrip(t *testing.T) {
	s, err := NewEphemeral("test-key")
	require.NoError(t, err)
	defer s.Close()

	approval := testApproval()
	require.NoError(t, s.Sign(context.Background(), &approval))
	assert.Equal(t, "test-key", approval.KeyID)
	assert.NotEmpty(t, approval.Signature)

	ok, err := Verify(approval, s.PublicKeyBytes())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_MutationFlipsResult(t *testing.T) {
	s, err := NewEphemeral("test-key")
	require.NoError(t, err)
	defer s.Close()

	approval := testApproval()
	require.NoError(t, s.Sign(context.Background(), &approval))

	mutations := map[string]func(a *contracts.Approval){
		"plan_id":        func(a *contracts.Approval) { a.PlanID = "plan-other" },
		"expires_at":     func(a *contracts.Approval) { a.ExpiresAt = a.ExpiresAt.Add(time.Second) },
		"human_approved": func(a *contracts.Approval) { a.HumanApproved = true },
		"payload_hash": func(a *contracts.Approval) {
			a.PayloadHash = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
		},
		"key_id": func(a *contracts.Approval) { a.KeyID = "other-key" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tampered := approval
			mutate(&tampered)
			ok, err := Verify(tampered, s.PublicKeyBytes())
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerify_SignatureIsDetached(t *testing.T) {
	// The signature covers the approval with Signature zeroed, so the
	// signed envelope verifies against its own signed-over bytes.
	s, err := NewEphemeral("test-key")
	require.NoError(t, err)
	defer s.Close()

	approval := testApproval()
	require.NoError(t, s.Sign(context.Background(), &approval))

	unsigned := approval
	unsigned.Signature = ""
	a, err := approval.SigningBytes()
	require.NoError(t, err)
	b, err := unsigned.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLocal_CloseZeroesKey(t *testing.T) {
	s, err := NewEphemeral("test-key")
	require.NoError(t, err)

	priv := s.priv
	require.NoError(t, s.Close())

	for _, b := range priv {
		require.Zero(t, b)
	}

	approval := testApproval()
	err = s.Sign(context.Background(), &approval)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewLocal_RejectsWrongKeySize(t *testing.T) {
	_, err := NewLocal(make(ed25519.PrivateKey, 32), "short")
	assert.Error(t, err)
}

func TestParseTrustedKeys(t *testing.T) {
	pub1, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	spec := "key-a=" + base64.StdEncoding.EncodeToString(pub1) +
		", key-b=" + base64.StdEncoding.EncodeToString(pub2)
	tk, err := ParseTrustedKeys(spec)
	require.NoError(t, err)
	assert.Equal(t, 2, tk.Len())

	got, ok := tk.Lookup("key-a")
	require.True(t, ok)
	assert.Equal(t, pub1, got)

	_, ok = tk.Lookup("key-c")
	assert.False(t, ok)
}

func TestParseTrustedKeys_Malformed(t *testing.T) {
	for _, spec := range []string{
		"no-equals-sign",
		"key-a=not!base64",
		"key-a=" + base64.StdEncoding.EncodeToString([]byte("too short")),
	} {
		_, err := ParseTrustedKeys(spec)
		assert.Error(t, err, "spec %q", spec)
	}
}

func TestTrustedKeys_UnknownKeyIDFailsClosed(t *testing.T) {
	s, err := NewEphemeral("untrusted-key")
	require.NoError(t, err)
	defer s.Close()

	approval := testApproval()
	require.NoError(t, s.Sign(context.Background(), &approval))

	tk := NewTrustedKeys()
	ok, err := tk.Verify(approval)
	require.NoError(t, err)
	assert.False(t, ok)

	tk.Add("untrusted-key", s.PublicKeyBytes())
	ok, err = tk.Verify(approval)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKMS_SignsViaRemoteService(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sign", r.URL.Path)

		var req kmsSignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		msg, err := base64.StdEncoding.DecodeString(req.Message)
		require.NoError(t, err)

		sig := ed25519.Sign(priv, msg)
		_ = json.NewEncoder(w).Encode(kmsSignResponse{
			Signature: base64.StdEncoding.EncodeToString(sig),
			KeyID:     req.KeyID,
			PublicKey: base64.StdEncoding.EncodeToString(pub),
		})
	}))
	defer srv.Close()

	k, err := NewKMS(srv.URL, "kms-key-1")
	require.NoError(t, err)

	approval := testApproval()
	require.NoError(t, k.Sign(context.Background(), &approval))
	assert.Equal(t, "kms-key-1", approval.KeyID)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pub), k.PublicKey())

	ok, err := Verify(approval, pub)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKMS_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hsm offline", http.StatusInternalServerError)
	}))
	defer srv.Close()

	k, err := NewKMS(srv.URL, "kms-key-1")
	require.NoError(t, err)

	approval := testApproval()
	err = k.Sign(context.Background(), &approval)
	assert.ErrorIs(t, err, ErrKMSUnavailable)
	assert.Empty(t, approval.Signature)
}
