// Package replay re-runs recorded decisions against the event store and
// checks that the decision engine still produces byte-identical plans. A
// mismatch means either the store was tampered with or determinism broke.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aureus-labs/sentinel/pkg/canonical"
	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/decision"
	"github.com/aureus-labs/sentinel/pkg/events"
	"github.com/aureus-labs/sentinel/pkg/policy"
)

// ErrNoRecord is returned when the store holds no decision for an intent.
var ErrNoRecord = errors.New("replay: no recorded decision for intent")

// Result is the outcome of replaying one intent. Recorded and Replayed hold
// the canonical plan bytes so a mismatch can be diffed offline.
type Result struct {
	IntentID string          `json:"intent_id"`
	PlanID   string          `json:"plan_id"`
	Match    bool            `json:"match"`
	Reason   string          `json:"reason,omitempty"`
	Recorded json.RawMessage `json:"recorded,omitempty"`
	Replayed json.RawMessage `json:"replayed,omitempty"`
}

// Harness replays recorded decisions. Policy generations are restored from
// the store's policy events on first use, so a fresh registry works.
type Harness struct {
	store    events.Store
	policies *policy.Registry
	engine   *decision.Engine

	restoreOnce sync.Once
	restoreErr  error
}

// New builds a Harness over the given store.
func New(store events.Store, policies *policy.Registry, engine *decision.Engine) *Harness {
	return &Harness{store: store, policies: policies, engine: engine}
}

// policyRecord mirrors the persisted shape of a policy generation.
type policyRecord struct {
	Generation uint64                        `json:"generation"`
	Tools      map[string]policy.ToolProfile `json:"tools"`
}

// restorePolicies installs every persisted policy generation into the
// registry so SnapshotAt can pin them.
func (h *Harness) restorePolicies(ctx context.Context) error {
	h.restoreOnce.Do(func() {
		evs, err := h.store.Range(ctx, events.Query{Type: events.TypePolicy})
		if err != nil {
			h.restoreErr = err
			return
		}
		for _, ev := range evs {
			var rec policyRecord
			if err := json.Unmarshal(ev.Body, &rec); err != nil {
				h.restoreErr = fmt.Errorf("replay: decode policy event seq %d: %w", ev.Seq, err)
				return
			}
			if _, err := h.policies.Install(rec.Generation, rec.Tools); err != nil {
				h.restoreErr = fmt.Errorf("replay: install policy generation %d: %w", rec.Generation, err)
				return
			}
		}
	})
	return h.restoreErr
}

// ReplayIntent re-decides one recorded intent under its pinned policy
// generation and compares canonical plan bytes.
func (h *Harness) ReplayIntent(ctx context.Context, intentID string) (Result, error) {
	if err := h.restorePolicies(ctx); err != nil {
		return Result{}, err
	}

	intent, sctx, recorded, err := h.load(ctx, intentID)
	if err != nil {
		return Result{}, err
	}

	snap, err := h.policies.SnapshotAt(recorded.PolicyGeneration)
	if err != nil {
		return Result{}, fmt.Errorf("replay: intent %s pins generation %d: %w", intentID, recorded.PolicyGeneration, err)
	}

	replayed, err := h.engine.Decide(intent, sctx, snap)
	if err != nil {
		return Result{}, fmt.Errorf("replay: re-decide intent %s: %w", intentID, err)
	}

	recordedBytes, err := canonical.Canonicalize(recorded)
	if err != nil {
		return Result{}, err
	}
	replayedBytes, err := canonical.Canonicalize(replayed)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		IntentID: intentID,
		PlanID:   recorded.PlanID,
		Match:    string(recordedBytes) == string(replayedBytes),
		Recorded: recordedBytes,
		Replayed: replayedBytes,
	}
	if !result.Match {
		result.Reason = "replayed plan bytes differ from the recorded plan"
	}
	return result, nil
}

// ReplayAll replays every recorded decision in store order.
func (h *Harness) ReplayAll(ctx context.Context) ([]Result, error) {
	planEvents, err := h.store.Range(ctx, events.Query{Type: events.TypePlan})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var results []Result
	for _, ev := range planEvents {
		if seen[ev.IntentID] {
			continue
		}
		seen[ev.IntentID] = true

		result, err := h.ReplayIntent(ctx, ev.IntentID)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Mismatches filters results down to the broken ones.
func Mismatches(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Match {
			out = append(out, r)
		}
	}
	return out
}

func (h *Harness) load(ctx context.Context, intentID string) (contracts.Intent, contracts.ContextSnapshot, contracts.Plan, error) {
	var intent contracts.Intent
	var sctx contracts.ContextSnapshot
	var plan contracts.Plan

	intentEvents, err := h.store.Range(ctx, events.Query{Type: events.TypeIntent, IntentID: intentID, Limit: 1})
	if err != nil {
		return intent, sctx, plan, err
	}
	ctxEvents, err := h.store.Range(ctx, events.Query{Type: events.TypeContext, IntentID: intentID, Limit: 1})
	if err != nil {
		return intent, sctx, plan, err
	}
	planEvents, err := h.store.Range(ctx, events.Query{Type: events.TypePlan, IntentID: intentID, Limit: 1})
	if err != nil {
		return intent, sctx, plan, err
	}
	if len(intentEvents) == 0 || len(ctxEvents) == 0 || len(planEvents) == 0 {
		return intent, sctx, plan, fmt.Errorf("%w: %s", ErrNoRecord, intentID)
	}

	if err := json.Unmarshal(intentEvents[0].Body, &intent); err != nil {
		return intent, sctx, plan, fmt.Errorf("replay: decode intent %s: %w", intentID, err)
	}
	if err := json.Unmarshal(ctxEvents[0].Body, &sctx); err != nil {
		return intent, sctx, plan, fmt.Errorf("replay: decode context for %s: %w", intentID, err)
	}
	if err := json.Unmarshal(planEvents[0].Body, &plan); err != nil {
		return intent, sctx, plan, fmt.Errorf("replay: decode plan for %s: %w", intentID, err)
	}
	return intent, sctx, plan, nil
}
