// Package policy holds the tool registry: per-tool base risk, allowlist
// membership, hash pins, and optional CEL risk overrides.
//
// The registry is read-mostly and hot-reloadable behind a generation
// counter. In-flight decisions pin the generation they observed and persist
// it on the Plan so replay can evaluate against the same rules.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

// ErrUnknownGeneration is returned when a pinned generation has been
// evicted or never existed.
var ErrUnknownGeneration = errors.New("policy: unknown generation")

// ToolProfile is one tool's policy entry.
type ToolProfile struct {
	Tool     string              `json:"tool" yaml:"-"`
	BaseRisk contracts.RiskLevel `json:"base_risk" yaml:"base_risk"`
	Allowed  bool                `json:"allowed" yaml:"allowed"`
	// HashPin, when set, must equal the step's skillHash for the step to run.
	HashPin string `json:"hash_pin,omitempty" yaml:"hash_pin,omitempty"`
	// Override is a CEL expression over {params, declared_risk, base_risk}
	// returning a risk band string. Evaluation failures fall back to the
	// base risk; an override can adjust risk but never allow a denied tool.
	Override string `json:"override,omitempty" yaml:"override,omitempty"`

	program cel.Program
}

// DenyAll is the profile applied to tools absent from the registry.
var DenyAll = ToolProfile{
	Tool:     "",
	BaseRisk: contracts.RiskHigh,
	Allowed:  false,
}

// file is the on-disk YAML shape.
type file struct {
	Tools map[string]ToolProfile `yaml:"tools"`
}

// Snapshot is an immutable view of the registry at one generation.
type Snapshot struct {
	Generation uint64
	tools      map[string]ToolProfile
}

// Profile resolves a tool, falling back to DenyAll for unknown tools.
func (s *Snapshot) Profile(tool string) ToolProfile {
	if p, ok := s.tools[tool]; ok {
		return p
	}
	deny := DenyAll
	deny.Tool = tool
	return deny
}

// Tools lists the registered tool names, sorted.
func (s *Snapshot) Tools() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export returns the snapshot's profiles keyed by tool, for persistence.
func (s *Snapshot) Export() map[string]ToolProfile {
	out := make(map[string]ToolProfile, len(s.tools))
	for name, p := range s.tools {
		p.program = nil
		out[name] = p
	}
	return out
}

// Registry is the hot-reloadable policy store. Readers take the current
// snapshot without blocking writers; superseded snapshots stay addressable
// by generation for replay.
type Registry struct {
	mu      sync.RWMutex
	current *Snapshot
	history map[uint64]*Snapshot
	env     *cel.Env
}

// NewRegistry creates a registry with an empty generation-0 snapshot.
// Generation 0 denies everything; a policy must be loaded before any tool
// is allowed.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("declared_risk", cel.StringType),
		cel.Variable("base_risk", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL env: %w", err)
	}
	genesis := &Snapshot{Generation: 0, tools: map[string]ToolProfile{}}
	return &Registry{
		current: genesis,
		history: map[uint64]*Snapshot{0: genesis},
		env:     env,
	}, nil
}

// LoadFile reads and applies a YAML policy file, bumping the generation.
func (r *Registry) LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return r.Load(data)
}

// Load parses YAML policy bytes and installs them as the next generation.
// A parse or compile failure leaves the current generation untouched.
func (r *Registry) Load(data []byte) (*Snapshot, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	tools := make(map[string]ToolProfile, len(f.Tools))
	for name, p := range f.Tools {
		p.Tool = name
		if !p.BaseRisk.Valid() {
			return nil, fmt.Errorf("policy: tool %q has unknown base risk %q", name, p.BaseRisk)
		}
		if p.Override != "" {
			prog, err := r.compile(p.Override)
			if err != nil {
				return nil, fmt.Errorf("policy: tool %q override: %w", name, err)
			}
			p.program = prog
		}
		tools[name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := &Snapshot{Generation: r.current.Generation + 1, tools: tools}
	r.current = next
	r.history[next.Generation] = next
	return next, nil
}

// Install places an already-built profile set at the next generation. Used
// by the replay harness to reconstruct historical snapshots.
func (r *Registry) Install(gen uint64, profiles map[string]ToolProfile) (*Snapshot, error) {
	tools := make(map[string]ToolProfile, len(profiles))
	for name, p := range profiles {
		p.Tool = name
		if p.Override != "" {
			prog, err := r.compile(p.Override)
			if err != nil {
				return nil, fmt.Errorf("policy: tool %q override: %w", name, err)
			}
			p.program = prog
		}
		tools[name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	snap := &Snapshot{Generation: gen, tools: tools}
	r.history[gen] = snap
	if gen >= r.current.Generation {
		r.current = snap
	}
	return snap, nil
}

func (r *Registry) compile(expr string) (cel.Program, error) {
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prog, err := r.env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, err
	}
	return prog, nil
}

// Snapshot returns the current generation.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SnapshotAt returns the snapshot pinned at gen.
func (r *Registry) SnapshotAt(gen uint64) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.history[gen]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGeneration, gen)
	}
	return snap, nil
}

// EffectiveRisk applies the profile's override (if any) to the base risk.
// Override evaluation is best-effort: a runtime failure or a non-risk
// result falls back to the base risk.
func (p ToolProfile) EffectiveRisk(params map[string]any, declared contracts.RiskLevel) contracts.RiskLevel {
	if p.program == nil {
		return p.BaseRisk
	}
	if params == nil {
		params = map[string]any{}
	}
	val, _, err := p.program.Eval(map[string]interface{}{
		"params":        params,
		"declared_risk": string(declared),
		"base_risk":     string(p.BaseRisk),
	})
	if err != nil {
		return p.BaseRisk
	}
	risk, ok := val.Value().(string)
	if !ok || !contracts.RiskLevel(risk).Valid() {
		return p.BaseRisk
	}
	return contracts.RiskLevel(risk)
}
