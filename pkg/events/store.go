// Package events persists every envelope and decision artifact the bridge
// handles, in arrival order. The store feeds the replay harness and the
// /audit export surface; it is append-only and never compacted.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types stored alongside envelopes.
const (
	TypeIntent   = "intent"
	TypePlan     = "plan"
	TypeApproval = "approval"
	TypeReport   = "report"
	TypeContext  = "context"
	TypeDecision = "decision"
	TypePolicy   = "policy"
)

// ErrNotFound is returned when no event matches a point lookup.
var ErrNotFound = errors.New("events: not found")

// Event is one stored envelope with its routing metadata. Seq is assigned
// by the store and strictly increases in insertion order.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	IntentID  string          `json:"intent_id,omitempty"`
	PlanID    string          `json:"plan_id,omitempty"`
	PolicyGen uint64          `json:"policy_gen"`
	Body      json.RawMessage `json:"body"`
}

// Query narrows a Range scan. Zero values mean "no constraint".
type Query struct {
	Type     string
	IntentID string
	PlanID   string
	AfterSeq uint64
	Limit    int
}

// Store is the append-only event log.
type Store interface {
	// Append persists an event and returns it with its assigned sequence.
	Append(ctx context.Context, ev Event) (Event, error)
	// Range returns events matching q in ascending sequence order.
	Range(ctx context.Context, q Query) ([]Event, error)
	// ByIntent returns all events for one intent, oldest first.
	ByIntent(ctx context.Context, intentID string) ([]Event, error)
	// LastSeq returns the newest assigned sequence, zero when empty.
	LastSeq(ctx context.Context) (uint64, error)
	Close() error
}
