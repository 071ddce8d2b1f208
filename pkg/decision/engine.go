// Package decision maps a validated Intent plus its enriched context to a
// Plan: risk band, step decomposition, human-approval flag, and validity
// window.
//
// The engine is a pure function of (intent, context, policy snapshot). All
// time comes from the context's DecisionTime and all IDs derive from the
// intent, so replaying the same inputs yields byte-identical plans.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/policy"
)

// ErrToolDenied is returned when the intent's tool is not allowed by the
// policy snapshot. The bridge surfaces this as a policy denial.
var ErrToolDenied = errors.New("decision: tool not allowed by policy")

// TTLs configures the plan validity window per risk band. Higher risk gets
// a shorter window.
type TTLs struct {
	Low    time.Duration
	Medium time.Duration
	High   time.Duration
}

// DefaultTTLs returns the standard validity windows.
func DefaultTTLs() TTLs {
	return TTLs{
		Low:    600 * time.Second,
		Medium: 300 * time.Second,
		High:   60 * time.Second,
	}
}

func (t TTLs) forRisk(risk contracts.RiskLevel) time.Duration {
	switch risk {
	case contracts.RiskLow:
		return t.Low
	case contracts.RiskMedium:
		return t.Medium
	default:
		return t.High
	}
}

// Thresholds are the trust-score cut lines for contextual adjustment.
type Thresholds struct {
	// Downgrade one band when trust exceeds this and the tool is common.
	TrustedAbove float64
	// Upgrade one band when trust falls below this.
	DistrustedBelow float64
}

// DefaultThresholds returns the standard trust cut lines.
func DefaultThresholds() Thresholds {
	return Thresholds{TrustedAbove: 0.8, DistrustedBelow: 0.3}
}

// Engine turns intents into plans under a policy snapshot.
type Engine struct {
	ttls       TTLs
	thresholds Thresholds
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTTLs replaces the default validity windows.
func WithTTLs(t TTLs) Option {
	return func(e *Engine) { e.ttls = t }
}

// WithThresholds replaces the default trust cut lines.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// New creates an Engine with the default configuration.
func New(opts ...Option) *Engine {
	e := &Engine{ttls: DefaultTTLs(), thresholds: DefaultThresholds()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide produces a Plan for the intent in its enriched context, under the
// given policy snapshot. Deterministic: the same (intent, snapshot context,
// policy generation) always yields the same canonical plan bytes.
func (e *Engine) Decide(intent contracts.Intent, sctx contracts.ContextSnapshot, snap *policy.Snapshot) (contracts.Plan, error) {
	profile := snap.Profile(intent.Tool)
	if !profile.Allowed {
		return contracts.Plan{}, fmt.Errorf("%w: %q", ErrToolDenied, intent.Tool)
	}

	baseRisk := profile.EffectiveRisk(intent.Parameters, intent.DeclaredRiskLevel)
	// The caller's declared band can raise but never lower the base.
	baseRisk = contracts.MaxRisk(baseRisk, intent.DeclaredRiskLevel)

	adjusted, reason := e.adjust(baseRisk, sctx, intent.Tool)

	requiresHuman := adjusted == contracts.RiskHigh || sctx.Flags.Suspicious

	now := sctx.DecisionTime.UTC()
	plan := contracts.Plan{
		Version:   contracts.EnvelopeVersion,
		Type:      contracts.TypePlan,
		PlanID:    PlanID(intent.IntentID, snap.Generation),
		IntentID:  intent.IntentID,
		ContextID: sctx.SnapshotID,
		Steps: []contracts.Step{{
			StepID:       "step-1",
			Tool:         intent.Tool,
			Args:         intent.Parameters,
			DeclaredRisk: adjusted,
			SkillHash:    profile.HashPin,
		}},
		RiskAssessment: contracts.RiskAssessment{
			BaseRisk:     baseRisk,
			AdjustedRisk: adjusted,
			Reason:       reason,
		},
		RequiresHumanApproval: requiresHuman,
		PolicyGeneration:      snap.Generation,
		ValidFrom:             now,
		ValidUntil:            now.Add(e.ttls.forRisk(adjusted)),
	}
	return plan, nil
}

// adjust applies the contextual trust rules in fixed order: trust-based
// downgrade, distrust upgrade, then the suspicion override last so it can
// never be undone by a later rule.
func (e *Engine) adjust(base contracts.RiskLevel, sctx contracts.ContextSnapshot, tool string) (contracts.RiskLevel, string) {
	risk := base
	reason := "base risk from policy"

	if sctx.TrustScore > e.thresholds.TrustedAbove && contains(sctx.CommonTools, tool) && !sctx.Flags.Suspicious {
		risk = risk.Downgrade()
		reason = fmt.Sprintf("downgraded: trust %.2f with familiar tool", sctx.TrustScore)
	}
	if sctx.TrustScore < e.thresholds.DistrustedBelow {
		risk = risk.Upgrade()
		reason = fmt.Sprintf("upgraded: trust %.2f below threshold", sctx.TrustScore)
	}
	if sctx.Flags.Suspicious {
		reason = "suspicious activity pattern; human approval forced"
	}
	return risk, reason
}

// PlanID derives the deterministic plan identifier from the intent and the
// policy generation it was decided under.
func PlanID(intentID string, policyGen uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", intentID, policyGen)))
	return "plan-" + hex.EncodeToString(sum[:])[:16]
}

func contains(tools []string, tool string) bool {
	for _, t := range tools {
		if t == tool {
			return true
		}
	}
	return false
}
