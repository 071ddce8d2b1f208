package contracts

import (
	"time"

	"github.com/aureus-labs/sentinel/pkg/canonical"
)

// Approval is a signed, time-limited authorization binding a Plan.
//
// The signature is a detached Ed25519 signature (base64) over the canonical
// serialization of the approval with the signature field removed. PayloadHash
// is the canonical hash of the bound Plan, so executors can verify plan
// binding without re-fetching it.
type Approval struct {
	Version       string    `json:"version"`
	Type          string    `json:"type"`
	ApprovalID    string    `json:"approval_id"`
	PlanID        string    `json:"plan_id"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	HumanApproved bool      `json:"human_approved"`
	Approver      string    `json:"approver,omitempty"`
	PayloadHash   string    `json:"payload_hash"`
	KeyID         string    `json:"key_id"`
	Signature     string    `json:"signature,omitempty"`
}

// SigningBytes returns the canonical bytes the signature covers: the
// approval with its signature field removed.
func (a Approval) SigningBytes() ([]byte, error) {
	a.Signature = ""
	return canonical.Canonicalize(a)
}
