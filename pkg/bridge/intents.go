package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/aureus-labs/sentinel/pkg/api"
	"github.com/aureus-labs/sentinel/pkg/audit"
	"github.com/aureus-labs/sentinel/pkg/breaker"
	"github.com/aureus-labs/sentinel/pkg/canonical"
	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/decision"
	"github.com/aureus-labs/sentinel/pkg/events"
	"github.com/aureus-labs/sentinel/pkg/faults"
	"github.com/aureus-labs/sentinel/pkg/schema"
	"github.com/aureus-labs/sentinel/pkg/signer"
)

// approverHeader carries the human approver identity for plans that
// require one. Authorization of the approver is the ingress channel's job.
const approverHeader = "X-Human-Approver"

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteValidationFailure(w, "unable to read request body", nil)
		return
	}

	header, err := contracts.PeekHeader(body)
	if err != nil {
		api.WriteValidationFailure(w, "malformed envelope", nil)
		return
	}
	if header.Type != contracts.TypeIntent {
		api.WriteValidationFailure(w, "envelope type must be intent", nil)
		return
	}

	res, err := s.schemas.Validate(contracts.TypeIntent, header.Version, body)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownSchemaVersion) {
			api.WriteValidationFailure(w, "unknown envelope type or version", nil)
			return
		}
		api.WriteInternal(w, err)
		return
	}
	if !res.Valid {
		api.WriteValidationFailure(w, "intent envelope failed validation", res.Errors)
		return
	}

	var intent contracts.Intent
	if err := contracts.DecodeStrict(body, &intent); err != nil {
		api.WriteValidationFailure(w, "intent envelope failed validation", nil)
		return
	}
	// The authenticated channel, when present, must match the envelope.
	if channelID, ok := api.ChannelFromContext(r.Context()); ok && channelID != intent.ChannelID {
		api.WriteValidationFailure(w, "channel_id does not match authenticated channel", nil)
		return
	}

	bodyHash := canonical.HashBytes(body)

	unlock := s.lockIntent(intent.IntentID)
	defer unlock()

	// Idempotency: the first winner's response is returned to duplicates;
	// the same ID with a different body is a conflict.
	if cached, ok, err := s.idem.Get(r.Context(), intent.IntentID); err == nil && ok {
		if cached.BodyHash == bodyHash {
			replay(w, cached)
		} else {
			api.WriteIdempotencyConflict(w, intent.IntentID)
		}
		return
	}

	s.processIntent(w, r.Context(), intent, bodyHash, r.Header.Get(approverHeader))
}

func (s *Server) processIntent(w http.ResponseWriter, ctx context.Context, intent contracts.Intent, bodyHash, approver string) {
	if _, err := s.chain.Append(audit.Record{
		Action:   audit.ActionIntentReceived,
		IntentID: intent.IntentID,
		Detail:   map[string]any{"tool": intent.Tool, "actor": intent.Actor},
	}); err != nil {
		api.WriteIntegrityFailure(w, err)
		return
	}

	var sctx contracts.ContextSnapshot
	err := s.dbCall(ctx, func(ctx context.Context) error {
		var snapErr error
		sctx, snapErr = s.profiler.Snapshot(ctx, intent)
		return snapErr
	})
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	snap := s.policies.Snapshot()
	plan, err := s.engine.Decide(intent, sctx, snap)
	if err != nil {
		if errors.Is(err, decision.ErrToolDenied) {
			s.deny(w, ctx, intent, bodyHash, "tool not allowed by policy")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	// Suspicion without a human in the loop is a denial, not a deferred
	// gate: no approval leaves the process.
	if sctx.Flags.Suspicious && approver == "" {
		s.deny(w, ctx, intent, bodyHash, "suspicious activity pattern requires human approval")
		return
	}

	if err := s.persistDecision(ctx, intent, sctx, plan); err != nil {
		s.writeDependencyError(w, err)
		return
	}

	if _, err := s.chain.Append(audit.Record{
		Action:   audit.ActionPlanGenerated,
		IntentID: intent.IntentID,
		PlanID:   plan.PlanID,
		Detail: map[string]any{
			"adjusted_risk":           plan.RiskAssessment.AdjustedRisk,
			"requires_human_approval": plan.RequiresHumanApproval,
			"policy_generation":       plan.PolicyGeneration,
		},
	}); err != nil {
		api.WriteIntegrityFailure(w, err)
		return
	}

	approval, err := s.issueApproval(ctx, plan, approver)
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	responseBody, err := json.Marshal(approval)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	err = s.dbCall(ctx, func(ctx context.Context) error {
		_, appendErr := s.events.Append(ctx, events.Event{
			Type:      events.TypeApproval,
			Timestamp: s.now(),
			IntentID:  intent.IntentID,
			PlanID:    plan.PlanID,
			PolicyGen: plan.PolicyGeneration,
			Body:      responseBody,
		})
		return appendErr
	})
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	// Durability boundary: the approval is audited before it leaves the
	// process. An audit failure here means no approval is returned.
	if _, err := s.chain.Append(audit.Record{
		Action:   audit.ActionApprovalIssued,
		IntentID: intent.IntentID,
		PlanID:   plan.PlanID,
		Detail: map[string]any{
			"approval_id":    approval.ApprovalID,
			"key_id":         approval.KeyID,
			"expires_at":     approval.ExpiresAt,
			"human_approved": approval.HumanApproved,
		},
	}); err != nil {
		api.WriteIntegrityFailure(w, err)
		return
	}

	_ = s.idem.Put(ctx, api.CachedDecision{
		IntentID:   intent.IntentID,
		BodyHash:   bodyHash,
		StatusCode: http.StatusOK,
		Body:       responseBody,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(responseBody)
}

// issueApproval constructs and signs the approval binding plan.
func (s *Server) issueApproval(ctx context.Context, plan contracts.Plan, approver string) (contracts.Approval, error) {
	payloadHash, err := canonical.Hash(plan)
	if err != nil {
		return contracts.Approval{}, err
	}

	approval := contracts.Approval{
		Version:       contracts.EnvelopeVersion,
		Type:          contracts.TypeApproval,
		ApprovalID:    "approval-" + uuid.NewString(),
		PlanID:        plan.PlanID,
		IssuedAt:      plan.ValidFrom,
		ExpiresAt:     plan.ValidUntil,
		HumanApproved: approver != "",
		Approver:      approver,
		PayloadHash:   payloadHash,
	}

	if err := s.injector.Check(ctx, faults.SeamKMS); err != nil {
		return contracts.Approval{}, err
	}
	if err := s.signer.Sign(ctx, &approval); err != nil {
		return contracts.Approval{}, err
	}
	return approval, nil
}

func (s *Server) persistDecision(ctx context.Context, intent contracts.Intent, sctx contracts.ContextSnapshot, plan contracts.Plan) error {
	return s.dbCall(ctx, func(ctx context.Context) error {
		intentJSON, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		ctxJSON, err := json.Marshal(sctx)
		if err != nil {
			return err
		}
		planJSON, err := json.Marshal(plan)
		if err != nil {
			return err
		}

		records := []events.Event{
			{Type: events.TypeIntent, Timestamp: s.now(), IntentID: intent.IntentID, PolicyGen: plan.PolicyGeneration, Body: intentJSON},
			{Type: events.TypeContext, Timestamp: s.now(), IntentID: intent.IntentID, PolicyGen: plan.PolicyGeneration, Body: ctxJSON},
			{Type: events.TypePlan, Timestamp: s.now(), IntentID: intent.IntentID, PlanID: plan.PlanID, PolicyGen: plan.PolicyGeneration, Body: planJSON},
		}
		for _, ev := range records {
			if _, err := s.events.Append(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// deny audits a policy denial and returns (and caches) the rejection.
func (s *Server) deny(w http.ResponseWriter, ctx context.Context, intent contracts.Intent, bodyHash, reason string) {
	if _, err := s.chain.Append(audit.Record{
		Action:   audit.ActionApprovalDenied,
		IntentID: intent.IntentID,
		Detail:   map[string]any{"reason": reason},
	}); err != nil {
		api.WriteIntegrityFailure(w, err)
		return
	}

	problem := &api.ProblemDetail{
		Type:   "https://aureus.dev/sentinel/errors/403",
		Title:  "Policy Denied",
		Status: http.StatusForbidden,
		Detail: reason,
		Code:   api.CodePolicyDenial,
	}
	body, err := json.Marshal(problem)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	// The cached bytes are the response bytes, so replays are byte-identical.
	_ = s.idem.Put(ctx, api.CachedDecision{
		IntentID:   intent.IntentID,
		BodyHash:   bodyHash,
		StatusCode: http.StatusForbidden,
		Body:       body,
	})

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write(body)
}

func replay(w http.ResponseWriter, cached *api.CachedDecision) {
	if cached.StatusCode == http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/problem+json")
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func (s *Server) writeDependencyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrChainPoisoned):
		api.WriteIntegrityFailure(w, err)
	case errors.Is(err, breaker.ErrOpen),
		errors.Is(err, signer.ErrKMSUnavailable),
		errors.Is(err, faults.ErrInjected),
		errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("dependency unavailable", "error", err)
		api.WriteDependencyUnavailable(w, 10)
	default:
		api.WriteInternal(w, err)
	}
}
