// Package faults injects failures at the bridge's dependency seams (KMS,
// database, external API) for chaos testing. Disabled by default; every
// injection is recorded on the audit chain for postmortem.
package faults

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aureus-labs/sentinel/pkg/audit"
)

// Seam names the call sites the injector can interpose on.
type Seam string

const (
	SeamKMS         Seam = "kms"
	SeamDatabase    Seam = "database"
	SeamExternalAPI Seam = "external-api"
)

// Type is the kind of fault to inject.
type Type string

const (
	ToolFailure   Type = "ToolFailure"
	LatencySpike  Type = "LatencySpike"
	PartialOutage Type = "PartialOutage"
)

// ErrInjected is the base error wrapped into injected failures.
var ErrInjected = errors.New("faults: injected failure")

// Rule configures one fault at one seam.
type Rule struct {
	Seam        Seam          `json:"seam" yaml:"seam"`
	Type        Type          `json:"type" yaml:"type"`
	Probability float64       `json:"probability" yaml:"probability"`
	// Latency is the stall applied by LatencySpike rules.
	Latency time.Duration `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// Injector evaluates rules at call seams. The zero-value Injector is
// disabled and injects nothing.
type Injector struct {
	mu      sync.RWMutex
	enabled bool
	rules   map[Seam][]Rule
	rng     *rand.Rand
	chain   *audit.Chain
}

// Option customizes an Injector.
type Option func(*Injector)

// WithSeed fixes the random source, making injections reproducible.
func WithSeed(seed int64) Option {
	return func(i *Injector) { i.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed))) }
}

// WithAudit records injections on the given chain.
func WithAudit(chain *audit.Chain) Option {
	return func(i *Injector) { i.chain = chain }
}

// New creates an enabled injector with the given rules.
func New(rules []Rule, opts ...Option) *Injector {
	i := &Injector{
		enabled: true,
		rules:   make(map[Seam][]Rule),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano()))),
	}
	for _, r := range rules {
		i.rules[r.Seam] = append(i.rules[r.Seam], r)
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Disabled returns an injector that never fires; the production default.
func Disabled() *Injector {
	return &Injector{}
}

// Enabled reports whether the injector is active.
func (i *Injector) Enabled() bool {
	if i == nil {
		return false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled
}

// Check consults the rules for a seam. It may stall (LatencySpike) and may
// return an error (ToolFailure, PartialOutage) that the caller must treat
// as the dependency failing. A nil return means proceed normally.
func (i *Injector) Check(ctx context.Context, seam Seam) error {
	if !i.Enabled() {
		return nil
	}

	i.mu.RLock()
	rules := i.rules[seam]
	i.mu.RUnlock()

	for _, rule := range rules {
		i.mu.Lock()
		fired := i.rng.Float64() < rule.Probability
		i.mu.Unlock()
		if !fired {
			continue
		}

		i.record(seam, rule)
		switch rule.Type {
		case LatencySpike:
			select {
			case <-time.After(rule.Latency):
			case <-ctx.Done():
				return ctx.Err()
			}
		case ToolFailure, PartialOutage:
			return fmt.Errorf("%w: %s at %s", ErrInjected, rule.Type, seam)
		}
	}
	return nil
}

func (i *Injector) record(seam Seam, rule Rule) {
	if i.chain == nil {
		return
	}
	_, _ = i.chain.Append(audit.Record{
		Action: audit.ActionFaultInjected,
		Detail: map[string]any{
			"seam": string(seam),
			"type": string(rule.Type),
		},
	})
}
