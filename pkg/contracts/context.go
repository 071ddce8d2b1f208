package contracts

import "time"

// PatternFlags are behavioral signals derived from an actor's recent history
// window. They are inputs to the decision engine, not decisions themselves.
type PatternFlags struct {
	RapidRequests     bool `json:"rapid_requests"`
	HighRejectionRate bool `json:"high_rejection_rate"`
	ManyHighRisk      bool `json:"many_high_risk"`
	Suspicious        bool `json:"suspicious"`
}

// ContextSnapshot is the derived, enriched view of an Intent: the intent
// itself plus the actor's history-derived trust score and pattern flags.
// Created per intent, persisted by ID, referenced by the Plan.
type ContextSnapshot struct {
	SnapshotID   string       `json:"snapshot_id"`
	Intent       Intent       `json:"intent"`
	TrustScore   float64      `json:"trust_score"`
	CommonTools  []string     `json:"common_tools"`
	RecentWindow int          `json:"recent_window"`
	Flags        PatternFlags `json:"flags"`
	// DecisionTime is the clock reading the decision engine used; recorded so
	// replay can reproduce the plan's validity window byte for byte.
	DecisionTime time.Time `json:"decision_time"`
	CapturedAt   time.Time `json:"captured_at"`
}
