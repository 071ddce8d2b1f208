// Package verifier is the executor-side gate: before any tool runs, the
// approval must verify against the trusted key set, sit inside its validity
// window, bind to the presented plan, and satisfy per-tool policy.
//
// The verifier is fail-closed. Any error on the crypto or binding checks is
// a terminal rejection; any uncaught error during execution becomes a
// rejection for that step.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aureus-labs/sentinel/pkg/audit"
	"github.com/aureus-labs/sentinel/pkg/canonical"
	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/policy"
	"github.com/aureus-labs/sentinel/pkg/signer"
)

// Terminal rejection reasons. These map onto the stable reason strings in
// step results and wire responses.
var (
	ErrSignatureInvalid      = errors.New("signature-invalid")
	ErrExpired               = errors.New("expired")
	ErrNotYetValid           = errors.New("not-yet-valid")
	ErrPlanMismatch          = errors.New("plan-mismatch")
	ErrHumanApprovalRequired = errors.New("human-approval-required")
)

// Step-level rejection reasons.
const (
	ReasonToolNotAllowed  = "tool-not-allowed"
	ReasonHashPinMismatch = "hash-pin-mismatch"
)

// DefaultClockSkew is the tolerance applied on both ends of the validity
// window. Both boundaries are inclusive.
const DefaultClockSkew = 30 * time.Second

// Runner executes one approved step. The executor supplies it; the
// verifier never runs tools itself.
type Runner interface {
	Run(ctx context.Context, step contracts.Step) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, step contracts.Step) error

func (f RunnerFunc) Run(ctx context.Context, step contracts.Step) error { return f(ctx, step) }

// Verifier gates plan execution on a signed approval.
type Verifier struct {
	keys  *signer.TrustedKeys
	skew  time.Duration
	now   func() time.Time
	chain *audit.Chain
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithClockSkew replaces the default skew tolerance.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.skew = d }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithAudit records verifier rejections on the given chain.
func WithAudit(chain *audit.Chain) Option {
	return func(v *Verifier) { v.chain = chain }
}

// New creates a Verifier trusting the given key set.
func New(keys *signer.TrustedKeys, opts ...Option) *Verifier {
	v := &Verifier{
		keys: keys,
		skew: DefaultClockSkew,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the pre-execution checks: signature, validity window, plan
// binding, and the human-approval gate. It executes nothing.
func (v *Verifier) Verify(approval contracts.Approval, plan contracts.Plan) error {
	ok, err := v.keys.Verify(approval)
	if err != nil || !ok {
		return ErrSignatureInvalid
	}

	now := v.now()
	if now.After(approval.ExpiresAt.Add(v.skew)) {
		v.record(audit.ActionApprovalExpired, approval, plan)
		return fmt.Errorf("%w: approval expired at %s", ErrExpired, approval.ExpiresAt.Format(time.RFC3339))
	}
	if now.Before(approval.IssuedAt.Add(-v.skew)) {
		return fmt.Errorf("%w: approval issued at %s", ErrNotYetValid, approval.IssuedAt.Format(time.RFC3339))
	}

	if approval.PlanID != plan.PlanID {
		return fmt.Errorf("%w: approval binds %q, plan is %q", ErrPlanMismatch, approval.PlanID, plan.PlanID)
	}
	planHash, err := canonical.Hash(plan)
	if err != nil || planHash != approval.PayloadHash {
		return fmt.Errorf("%w: plan hash does not match approval payload hash", ErrPlanMismatch)
	}

	if !approval.HumanApproved {
		if plan.OverallRisk() == contracts.RiskHigh {
			return fmt.Errorf("%w: plan is high risk", ErrHumanApprovalRequired)
		}
		if plan.RequiresHumanApproval {
			return fmt.Errorf("%w: plan requires human approval", ErrHumanApprovalRequired)
		}
	}
	return nil
}

// VerifyAndEnforce runs Verify, then executes the allowed steps in declared
// order via runner, applying per-step policy. Partial success is permitted
// and fully reported. A terminal rejection returns a Report with every step
// rejected plus the rejection error.
func (v *Verifier) VerifyAndEnforce(ctx context.Context, approval contracts.Approval, plan contracts.Plan, snap *policy.Snapshot, runner Runner) (contracts.Report, error) {
	if err := v.Verify(approval, plan); err != nil {
		return v.rejectAll(approval, plan, err), err
	}

	results := make([]contracts.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		results = append(results, v.enforceStep(ctx, step, snap, runner))
	}

	return v.report(approval, plan, results), nil
}

func (v *Verifier) enforceStep(ctx context.Context, step contracts.Step, snap *policy.Snapshot, runner Runner) contracts.StepResult {
	result := contracts.StepResult{StepID: step.StepID, Tool: step.Tool}

	profile := snap.Profile(step.Tool)
	if !profile.Allowed {
		result.Status = contracts.StepRejected
		result.Reason = ReasonToolNotAllowed
		return result
	}
	if profile.HashPin != "" && profile.HashPin != step.SkillHash {
		result.Status = contracts.StepRejected
		result.Reason = ReasonHashPinMismatch
		return result
	}

	if err := v.run(ctx, step, runner); err != nil {
		result.Status = contracts.StepFailed
		result.Error = err.Error()
		return result
	}
	result.Status = contracts.StepExecuted
	return result
}

// run shields the verifier from a panicking tool; a panic is a failure for
// that step only.
func (v *Verifier) run(ctx context.Context, step contracts.Step, runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return runner.Run(ctx, step)
}

func (v *Verifier) rejectAll(approval contracts.Approval, plan contracts.Plan, cause error) contracts.Report {
	results := make([]contracts.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		results = append(results, contracts.StepResult{
			StepID: step.StepID,
			Tool:   step.Tool,
			Status: contracts.StepRejected,
			Reason: cause.Error(),
		})
	}
	return v.report(approval, plan, results)
}

func (v *Verifier) report(approval contracts.Approval, plan contracts.Plan, results []contracts.StepResult) contracts.Report {
	executed, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case contracts.StepExecuted:
			executed++
		case contracts.StepFailed:
			failed++
		}
	}

	var status contracts.ReportStatus
	switch {
	case executed == len(results):
		status = contracts.ReportExecuted
	case executed > 0:
		status = contracts.ReportPartial
	case failed > 0:
		status = contracts.ReportFailed
	default:
		status = contracts.ReportRejected
	}

	return contracts.Report{
		Version:     contracts.EnvelopeVersion,
		Type:        contracts.TypeReport,
		ReportID:    "report-" + uuid.NewString(),
		ApprovalID:  approval.ApprovalID,
		PlanID:      plan.PlanID,
		Steps:       results,
		Status:      status,
		CompletedAt: v.now(),
	}
}

func (v *Verifier) record(action string, approval contracts.Approval, plan contracts.Plan) {
	if v.chain == nil {
		return
	}
	_, _ = v.chain.Append(audit.Record{
		Action:   action,
		IntentID: plan.IntentID,
		PlanID:   plan.PlanID,
		Detail:   map[string]any{"approval_id": approval.ApprovalID},
	})
}
