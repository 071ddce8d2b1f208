package contracts

import "time"

// Step is a single tool invocation within a Plan.
type Step struct {
	StepID       string         `json:"step_id"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	DeclaredRisk RiskLevel      `json:"declared_risk"`
	// SkillHash pins the expected hash of the tool implementation, when the
	// policy requires it.
	SkillHash string `json:"skill_hash,omitempty"`
}

// RiskAssessment records how the decision engine arrived at the plan's risk.
type RiskAssessment struct {
	BaseRisk     RiskLevel `json:"base_risk"`
	AdjustedRisk RiskLevel `json:"adjusted_risk"`
	Reason       string    `json:"reason"`
}

// Plan is the decision engine's decomposition of an Intent into ordered
// steps with risk. Deterministic given (intent, context, policy generation).
type Plan struct {
	Version               string         `json:"version"`
	Type                  string         `json:"type"`
	PlanID                string         `json:"plan_id"`
	IntentID              string         `json:"intent_id"`
	ContextID             string         `json:"context_id"`
	Steps                 []Step         `json:"steps"`
	RiskAssessment        RiskAssessment `json:"risk_assessment"`
	RequiresHumanApproval bool           `json:"requires_human_approval"`
	PolicyGeneration      uint64         `json:"policy_generation"`
	ValidFrom             time.Time      `json:"valid_from"`
	ValidUntil            time.Time      `json:"valid_until"`
}

// OverallRisk is the maximum of the step risks and the assessment's adjusted
// risk.
func (p *Plan) OverallRisk() RiskLevel {
	risk := p.RiskAssessment.AdjustedRisk
	for _, s := range p.Steps {
		risk = MaxRisk(risk, s.DeclaredRisk)
	}
	return risk
}
