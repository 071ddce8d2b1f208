// Package contracts defines the wire envelopes exchanged between channels,
// the bridge, and executors: Intent, ContextSnapshot, Plan, Approval, Report.
//
// All envelopes share {version, type, <id>, timestamp} discriminators and are
// validated against versioned schemas before any other processing. Intents,
// Plans, and Approvals are immutable once persisted.
package contracts

import "time"

// EnvelopeVersion is the current wire format version for all envelopes.
const EnvelopeVersion = "1.0.0"

// Envelope type discriminators.
const (
	TypeIntent   = "intent"
	TypePlan     = "plan"
	TypeApproval = "approval"
	TypeReport   = "report"
)

// Intent is a caller-submitted request to perform a tool action.
// Immutable after acceptance; IntentID is globally unique.
type Intent struct {
	Version           string         `json:"version"`
	Type              string         `json:"type"`
	IntentID          string         `json:"intent_id"`
	ChannelID         string         `json:"channel_id"`
	Tool              string         `json:"tool"`
	Parameters        map[string]any `json:"parameters"`
	DeclaredRiskLevel RiskLevel      `json:"declared_risk_level"`
	Description       string         `json:"description,omitempty"`
	Actor             string         `json:"actor"`
	Timestamp         time.Time      `json:"timestamp"`
}
