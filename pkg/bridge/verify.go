package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aureus-labs/sentinel/pkg/api"
	"github.com/aureus-labs/sentinel/pkg/audit"
	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/events"
	"github.com/aureus-labs/sentinel/pkg/memory"
	"github.com/aureus-labs/sentinel/pkg/verifier"
)

// verifyRequest asks whether an approval is currently valid for a plan.
// Executors present the full plan; auditors who only hold the canonical
// plan hash may present that instead.
type verifyRequest struct {
	Approval contracts.Approval `json:"approval"`
	Plan     *contracts.Plan    `json:"plan,omitempty"`
	PlanHash string             `json:"plan_hash,omitempty"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteValidationFailure(w, "unable to read request body", nil)
		return
	}
	var req verifyRequest
	if err := contracts.DecodeStrict(body, &req); err != nil {
		api.WriteValidationFailure(w, "malformed verify request", nil)
		return
	}
	if req.Plan == nil && req.PlanHash == "" {
		api.WriteValidationFailure(w, "verify request needs a plan or a plan_hash", nil)
		return
	}

	resp := s.checkApproval(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkApproval answers valid/invalid without side effects beyond audit.
// A rejection reason is one of the stable reason strings.
func (s *Server) checkApproval(req verifyRequest) verifyResponse {
	v := verifier.New(s.keys, verifier.WithClock(s.now), verifier.WithClockSkew(s.skew), verifier.WithAudit(s.chain))

	if req.Plan != nil {
		if err := v.Verify(req.Approval, *req.Plan); err != nil {
			return verifyResponse{Valid: false, Reason: verifyReason(err)}
		}
		return verifyResponse{Valid: true}
	}

	// Hash-only verification covers signature, window, and plan binding;
	// the human-approval gate needs the plan body and is the executor's job.
	ok, err := s.keys.Verify(req.Approval)
	if err != nil || !ok {
		return verifyResponse{Valid: false, Reason: verifyReason(verifier.ErrSignatureInvalid)}
	}
	now := s.now()
	if now.After(req.Approval.ExpiresAt.Add(s.skew)) {
		return verifyResponse{Valid: false, Reason: verifyReason(verifier.ErrExpired)}
	}
	if now.Before(req.Approval.IssuedAt.Add(-s.skew)) {
		return verifyResponse{Valid: false, Reason: verifyReason(verifier.ErrNotYetValid)}
	}
	if req.Approval.PayloadHash != req.PlanHash {
		return verifyResponse{Valid: false, Reason: verifyReason(verifier.ErrPlanMismatch)}
	}
	return verifyResponse{Valid: true}
}

func verifyReason(err error) string {
	for _, root := range []error{
		verifier.ErrSignatureInvalid,
		verifier.ErrExpired,
		verifier.ErrNotYetValid,
		verifier.ErrPlanMismatch,
		verifier.ErrHumanApprovalRequired,
	} {
		if errors.Is(err, root) {
			return root.Error()
		}
	}
	return "invalid"
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteValidationFailure(w, "unable to read request body", nil)
		return
	}

	res, err := s.schemas.Validate(contracts.TypeReport, contracts.EnvelopeVersion, body)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if !res.Valid {
		api.WriteValidationFailure(w, "report envelope failed validation", res.Errors)
		return
	}
	var report contracts.Report
	if err := contracts.DecodeStrict(body, &report); err != nil {
		api.WriteValidationFailure(w, "report envelope failed validation", nil)
		return
	}

	plan, intent, err := s.resolvePlan(r, report.PlanID)
	if err != nil {
		if errors.Is(err, errUnknownPlan) {
			api.WriteNotFound(w, "no plan on record for this report")
			return
		}
		s.writeDependencyError(w, err)
		return
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	err = s.dbCall(r.Context(), func(ctx context.Context) error {
		_, appendErr := s.events.Append(ctx, events.Event{
			Type:      events.TypeReport,
			Timestamp: s.now(),
			IntentID:  plan.IntentID,
			PlanID:    report.PlanID,
			PolicyGen: plan.PolicyGeneration,
			Body:      reportJSON,
		})
		return appendErr
	})
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	if _, err := s.chain.Append(audit.Record{
		Action:   audit.ActionReportReceived,
		IntentID: plan.IntentID,
		PlanID:   report.PlanID,
		Detail: map[string]any{
			"report_id": report.ReportID,
			"status":    report.Status,
		},
	}); err != nil {
		api.WriteIntegrityFailure(w, err)
		return
	}

	// Feed the outcome back into the actor's history so the next decision
	// sees it.
	approved := report.Status == contracts.ReportExecuted || report.Status == contracts.ReportPartial
	err = s.dbCall(r.Context(), func(ctx context.Context) error {
		return s.profiler.Record(ctx, memory.Execution{
			Actor:     intent.Actor,
			Tool:      intent.Tool,
			Risk:      plan.RiskAssessment.AdjustedRisk,
			Approved:  approved,
			IntentID:  plan.IntentID,
			Timestamp: s.now(),
		})
	})
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"report_id": report.ReportID,
		"status":    "recorded",
	})
}

var errUnknownPlan = errors.New("bridge: unknown plan")

func (s *Server) resolvePlan(r *http.Request, planID string) (contracts.Plan, contracts.Intent, error) {
	var plan contracts.Plan
	var intent contracts.Intent

	planEvents, err := s.events.Range(r.Context(), events.Query{Type: events.TypePlan, PlanID: planID, Limit: 1})
	if err != nil {
		return plan, intent, err
	}
	if len(planEvents) == 0 {
		return plan, intent, errUnknownPlan
	}
	if err := json.Unmarshal(planEvents[0].Body, &plan); err != nil {
		return plan, intent, err
	}

	intentEvents, err := s.events.Range(r.Context(), events.Query{Type: events.TypeIntent, IntentID: plan.IntentID, Limit: 1})
	if err != nil {
		return plan, intent, err
	}
	if len(intentEvents) == 0 {
		return plan, intent, errUnknownPlan
	}
	if err := json.Unmarshal(intentEvents[0].Body, &intent); err != nil {
		return plan, intent, err
	}
	return plan, intent, nil
}
