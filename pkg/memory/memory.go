// Package memory persists execution history per actor and derives the trust
// score, common-tool set, and behavioral pattern flags the decision engine
// consumes. The profiler reports signals; it never decides anything itself.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// Execution is one completed (or rejected) tool run attributed to an actor.
type Execution struct {
	ID        string              `json:"id"`
	Actor     string              `json:"actor"`
	Tool      string              `json:"tool"`
	Risk      contracts.RiskLevel `json:"risk"`
	Approved  bool                `json:"approved"`
	IntentID  string              `json:"intent_id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Profile summarizes an actor's full history.
type Profile struct {
	Actor            string                      `json:"actor"`
	TotalExecutions  int                         `json:"total_executions"`
	ApprovalRate     float64                     `json:"approval_rate"`
	RiskDistribution map[contracts.RiskLevel]int `json:"risk_distribution"`
	CommonTools      []string                    `json:"common_tools"`
	TrustScore       float64                     `json:"trust_score"`
}

// Store persists executions keyed by actor.
type Store interface {
	// Record appends one execution. A missing ID is assigned.
	Record(ctx context.Context, ex Execution) error
	// History returns the actor's executions since the cutoff, newest first.
	History(ctx context.Context, actor string, since time.Time) ([]Execution, error)
	// All returns the actor's entire history, newest first.
	All(ctx context.Context, actor string) ([]Execution, error)
	Close() error
}

// Config tunes profiling thresholds.
type Config struct {
	// RecentWindow bounds the history slice used for pattern flags.
	RecentWindow time.Duration
	// RapidPerMinute flips RapidRequests when exceeded within one minute.
	RapidPerMinute int
	// HighRiskMax flips ManyHighRisk when the window holds more attempts.
	HighRiskMax int
	// CommonToolMin is the usage count at which a tool counts as common.
	CommonToolMin int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		RecentWindow:   10 * time.Minute,
		RapidPerMinute: 10,
		HighRiskMax:    3,
		CommonToolMin:  3,
	}
}

// Profiler derives trust scores and pattern flags from a Store.
type Profiler struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// ProfilerOption customizes a Profiler.
type ProfilerOption func(*Profiler)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) ProfilerOption {
	return func(p *Profiler) { p.now = now }
}

// WithConfig replaces the default thresholds.
func WithConfig(cfg Config) ProfilerOption {
	return func(p *Profiler) { p.cfg = cfg }
}

// NewProfiler wraps a store with the profiling logic.
func NewProfiler(store Store, opts ...ProfilerOption) *Profiler {
	p := &Profiler{
		store: store,
		cfg:   DefaultConfig(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Record persists a completed execution.
func (p *Profiler) Record(ctx context.Context, ex Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = p.now()
	}
	return p.store.Record(ctx, ex)
}

// RiskProfile computes the actor's lifetime profile. Actors with no history
// get a neutral 0.5 trust score; they are neither trusted nor distrusted.
func (p *Profiler) RiskProfile(ctx context.Context, actor string) (Profile, error) {
	execs, err := p.store.All(ctx, actor)
	if err != nil {
		return Profile{}, err
	}
	return buildProfile(actor, execs, p.cfg.CommonToolMin), nil
}

// Snapshot enriches an intent with the actor's profile and pattern flags.
// DecisionTime and CapturedAt are stamped from the profiler's clock so the
// snapshot replays deterministically.
func (p *Profiler) Snapshot(ctx context.Context, intent contracts.Intent) (contracts.ContextSnapshot, error) {
	profile, err := p.RiskProfile(ctx, intent.Actor)
	if err != nil {
		return contracts.ContextSnapshot{}, err
	}

	now := p.now()
	recent, err := p.store.History(ctx, intent.Actor, now.Add(-p.cfg.RecentWindow))
	if err != nil {
		return contracts.ContextSnapshot{}, err
	}

	return contracts.ContextSnapshot{
		SnapshotID:   uuid.NewString(),
		Intent:       intent,
		TrustScore:   profile.TrustScore,
		CommonTools:  profile.CommonTools,
		RecentWindow: len(recent),
		Flags:        p.flags(recent, now),
		DecisionTime: now,
		CapturedAt:   now,
	}, nil
}

// flags derives pattern flags from the recent window. Suspicious is the
// disjunction of the individual signals.
func (p *Profiler) flags(recent []Execution, now time.Time) contracts.PatternFlags {
	var flags contracts.PatternFlags

	lastMinute := 0
	rejected := 0
	highRisk := 0
	for _, ex := range recent {
		if now.Sub(ex.Timestamp) <= time.Minute {
			lastMinute++
		}
		if !ex.Approved {
			rejected++
		}
		if ex.Risk == contracts.RiskHigh {
			highRisk++
		}
	}

	flags.RapidRequests = lastMinute > p.cfg.RapidPerMinute
	flags.HighRejectionRate = len(recent) > 0 && rejected*2 > len(recent)
	flags.ManyHighRisk = highRisk > p.cfg.HighRiskMax
	flags.Suspicious = flags.RapidRequests || flags.HighRejectionRate || flags.ManyHighRisk
	return flags
}

func buildProfile(actor string, execs []Execution, commonToolMin int) Profile {
	profile := Profile{
		Actor:            actor,
		TotalExecutions:  len(execs),
		RiskDistribution: make(map[contracts.RiskLevel]int),
	}
	if len(execs) == 0 {
		profile.TrustScore = 0.5
		return profile
	}

	approved := 0
	lowRisk := 0
	toolCounts := make(map[string]int)
	for _, ex := range execs {
		if ex.Approved {
			approved++
		}
		if ex.Risk == contracts.RiskLow {
			lowRisk++
		}
		profile.RiskDistribution[ex.Risk]++
		toolCounts[ex.Tool]++
	}

	total := float64(len(execs))
	profile.ApprovalRate = float64(approved) / total
	lowRiskRate := float64(lowRisk) / total
	profile.TrustScore = 0.7*profile.ApprovalRate + 0.3*lowRiskRate

	for tool, count := range toolCounts {
		if count >= commonToolMin {
			profile.CommonTools = append(profile.CommonTools, tool)
		}
	}
	sort.Slice(profile.CommonTools, func(i, j int) bool {
		a, b := profile.CommonTools[i], profile.CommonTools[j]
		if toolCounts[a] != toolCounts[b] {
			return toolCounts[a] > toolCounts[b]
		}
		return a < b
	})

	return profile
}
