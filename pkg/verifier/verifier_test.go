package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aureus-labs/sentinel/pkg/canonical"
	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/policy"
	"github.com/aureus-labs/sentinel/pkg/signer"
)

const testPolicy = `
tools:
  web_search:
    base_risk: low
    allowed: true
  delete_data:
    base_risk: high
    allowed: true
  code_executor:
    base_risk: medium
    allowed: true
    hash_pin: "sha256:1111111111111111111111111111111111111111111111111111111111111111"
`

var (
	issuedAt = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	ttl      = 60 * time.Second
)

type fixture struct {
	signer   *signer.Local
	keys     *signer.TrustedKeys
	snap     *policy.Snapshot
	plan     contracts.Plan
	approval contracts.Approval
}

func newFixture(t *testing.T, steps []contracts.Step, requiresHuman bool) *fixture {
	t.Helper()

	s, err := signer.NewEphemeral("verifier-test-key")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	keys := signer.NewTrustedKeys()
	keys.Add("verifier-test-key", s.PublicKeyBytes())

	reg, err := policy.NewRegistry()
	require.NoError(t, err)
	snap, err := reg.Load([]byte(testPolicy))
	require.NoError(t, err)

	plan := contracts.Plan{
		Version:               contracts.EnvelopeVersion,
		Type:                  contracts.TypePlan,
		PlanID:                "plan-0011223344556677",
		IntentID:              "intent-001",
		ContextID:             "ctx-001",
		Steps:                 steps,
		RiskAssessment:        contracts.RiskAssessment{BaseRisk: steps[0].DeclaredRisk, AdjustedRisk: steps[0].DeclaredRisk},
		RequiresHumanApproval: requiresHuman,
		PolicyGeneration:      snap.Generation,
		ValidFrom:             issuedAt,
		ValidUntil:            issuedAt.Add(ttl),
	}

	planHash, err := canonical.Hash(plan)
	require.NoError(t, err)

	approval := contracts.Approval{
		Version:     contracts.EnvelopeVersion,
		Type:        contracts.TypeApproval,
		ApprovalID:  "approval-001",
		PlanID:      plan.PlanID,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(ttl),
		PayloadHash: planHash,
	}
	require.NoError(t, s.Sign(context.Background(), &approval))

	return &fixture{signer: s, keys: keys, snap: snap, plan: plan, approval: approval}
}

func lowStep() []contracts.Step {
	return []contracts.Step{{StepID: "step-1", Tool: "web_search", Args: map[string]any{"q": "golang"}, DeclaredRisk: contracts.RiskLow}}
}

func highStep() []contracts.Step {
	return []contracts.Step{{StepID: "step-1", Tool: "delete_data", Args: map[string]any{"table": "users"}, DeclaredRisk: contracts.RiskHigh}}
}

func noopRunner() Runner {
	return RunnerFunc(func(context.Context, contracts.Step) error { return nil })
}

func at(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestVerifyAndEnforce_HappyPath(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	var ran []string
	runner := RunnerFunc(func(_ context.Context, step contracts.Step) error {
		ran = append(ran, step.StepID)
		return nil
	})

	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, runner)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReportExecuted, report.Status)
	assert.Equal(t, []string{"step-1"}, ran)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, contracts.StepExecuted, report.Steps[0].Status)
	assert.Equal(t, f.plan.PlanID, report.PlanID)
	assert.Equal(t, f.approval.ApprovalID, report.ApprovalID)
}

func TestVerify_TamperedApprovalRejected(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	tampered := f.approval
	tampered.HumanApproved = true
	assert.ErrorIs(t, v.Verify(tampered, f.plan), ErrSignatureInvalid)
}

func TestVerify_UnknownKeyRejected(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(signer.NewTrustedKeys(), at(issuedAt.Add(time.Second)))
	assert.ErrorIs(t, v.Verify(f.approval, f.plan), ErrSignatureInvalid)
}

func TestVerify_TTLBoundaries(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	expires := f.approval.ExpiresAt

	cases := []struct {
		name string
		now  time.Time
		want error
	}{
		{"well inside window", expires.Add(-30 * time.Second), nil},
		{"exactly at expiry", expires, nil},
		{"exactly at expiry plus skew", expires.Add(DefaultClockSkew), nil},
		{"one nanosecond past skew", expires.Add(DefaultClockSkew + time.Nanosecond), ErrExpired},
		{"two minutes after issue", f.approval.IssuedAt.Add(120 * time.Second), ErrExpired},
		{"exactly at issue minus skew", f.approval.IssuedAt.Add(-DefaultClockSkew), nil},
		{"before issue minus skew", f.approval.IssuedAt.Add(-DefaultClockSkew - time.Second), ErrNotYetValid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := New(f.keys, at(tc.now))
			err := v.Verify(f.approval, f.plan)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestVerifyAndEnforce_ExpiredExecutesNothing(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(f.keys, at(issuedAt.Add(120*time.Second)))

	ran := false
	runner := RunnerFunc(func(context.Context, contracts.Step) error {
		ran = true
		return nil
	})

	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, runner)
	assert.ErrorIs(t, err, ErrExpired)
	assert.False(t, ran)
	assert.Equal(t, contracts.ReportRejected, report.Status)
}

func TestVerify_PlanMismatch(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	other := f.plan
	other.PlanID = "plan-ffffffffffffffff"
	assert.ErrorIs(t, v.Verify(f.approval, other), ErrPlanMismatch)

	// Same ID but altered content fails the payload hash binding.
	altered := f.plan
	altered.Steps = []contracts.Step{{StepID: "step-1", Tool: "delete_data", DeclaredRisk: contracts.RiskLow}}
	assert.ErrorIs(t, v.Verify(f.approval, altered), ErrPlanMismatch)
}

func TestVerifyAndEnforce_HighRiskHumanGate(t *testing.T) {
	f := newFixture(t, highStep(), true)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	// Without human approval: rejected, nothing runs.
	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, noopRunner())
	assert.ErrorIs(t, err, ErrHumanApprovalRequired)
	assert.Equal(t, contracts.ReportRejected, report.Status)

	// Re-sign with human approval: admitted.
	approved := f.approval
	approved.HumanApproved = true
	approved.Approver = "operator:carol"
	require.NoError(t, f.signer.Sign(context.Background(), &approved))

	report, err = v.VerifyAndEnforce(context.Background(), approved, f.plan, f.snap, noopRunner())
	require.NoError(t, err)
	assert.Equal(t, contracts.ReportExecuted, report.Status)
}

func TestVerifyAndEnforce_HashPinMismatchRejectsOnlyThatStep(t *testing.T) {
	pin := "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	steps := []contracts.Step{
		{StepID: "step-1", Tool: "code_executor", DeclaredRisk: contracts.RiskMedium, SkillHash: pin},
		{StepID: "step-2", Tool: "code_executor", DeclaredRisk: contracts.RiskMedium,
			SkillHash: "sha256:2222222222222222222222222222222222222222222222222222222222222222"},
		{StepID: "step-3", Tool: "web_search", DeclaredRisk: contracts.RiskLow},
	}
	f := newFixture(t, steps, false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, noopRunner())
	require.NoError(t, err)
	assert.Equal(t, contracts.ReportPartial, report.Status)
	assert.Equal(t, contracts.StepExecuted, report.Steps[0].Status)
	assert.Equal(t, contracts.StepRejected, report.Steps[1].Status)
	assert.Equal(t, ReasonHashPinMismatch, report.Steps[1].Reason)
	assert.Equal(t, contracts.StepExecuted, report.Steps[2].Status)
}

func TestVerifyAndEnforce_UnknownToolDenied(t *testing.T) {
	steps := []contracts.Step{{StepID: "step-1", Tool: "rogue_tool", DeclaredRisk: contracts.RiskLow}}
	f := newFixture(t, steps, false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, noopRunner())
	require.NoError(t, err)
	assert.Equal(t, contracts.ReportRejected, report.Status)
	assert.Equal(t, ReasonToolNotAllowed, report.Steps[0].Reason)
}

func TestVerifyAndEnforce_FailedStepReported(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	runner := RunnerFunc(func(context.Context, contracts.Step) error {
		return errors.New("network unreachable")
	})
	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, runner)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReportFailed, report.Status)
	assert.Equal(t, contracts.StepFailed, report.Steps[0].Status)
	assert.Contains(t, report.Steps[0].Error, "network unreachable")
}

func TestVerifyAndEnforce_PanickingToolIsFailure(t *testing.T) {
	f := newFixture(t, lowStep(), false)
	v := New(f.keys, at(issuedAt.Add(time.Second)))

	runner := RunnerFunc(func(context.Context, contracts.Step) error {
		panic("tool exploded")
	})
	report, err := v.VerifyAndEnforce(context.Background(), f.approval, f.plan, f.snap, runner)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepFailed, report.Steps[0].Status)
	assert.Contains(t, report.Steps[0].Error, "tool exploded")
}

func TestVerify_AdjustedHighRiskNeedsHuman(t *testing.T) {
	// Low-risk steps, but the assessment upgraded the plan to high: the
	// overall risk governs the human gate, not the step declarations.
	f := newFixture(t, lowStep(), false)
	f.plan.RiskAssessment.AdjustedRisk = contracts.RiskHigh

	planHash, err := canonical.Hash(f.plan)
	require.NoError(t, err)
	approval := f.approval
	approval.PayloadHash = planHash
	require.NoError(t, f.signer.Sign(context.Background(), &approval))

	v := New(f.keys, at(issuedAt.Add(time.Second)))
	assert.ErrorIs(t, v.Verify(approval, f.plan), ErrHumanApprovalRequired)

	approval.HumanApproved = true
	approval.Approver = "ops@aureus.dev"
	require.NoError(t, f.signer.Sign(context.Background(), &approval))
	assert.NoError(t, v.Verify(approval, f.plan))
}
