// Package bridge is the HTTP core of the approval pipeline. It accepts
// intents, runs them through validation, context enrichment, the decision
// engine, and the signer, and persists every transition to the audit chain
// and event store before anything leaves the process.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aureus-labs/sentinel/pkg/api"
	"github.com/aureus-labs/sentinel/pkg/audit"
	"github.com/aureus-labs/sentinel/pkg/breaker"
	"github.com/aureus-labs/sentinel/pkg/decision"
	"github.com/aureus-labs/sentinel/pkg/events"
	"github.com/aureus-labs/sentinel/pkg/faults"
	"github.com/aureus-labs/sentinel/pkg/memory"
	"github.com/aureus-labs/sentinel/pkg/policy"
	"github.com/aureus-labs/sentinel/pkg/schema"
	"github.com/aureus-labs/sentinel/pkg/signer"
)

// maxBodyBytes bounds inbound envelope size.
const maxBodyBytes = 1 << 20

// Server wires the approval pipeline behind the HTTP surface.
type Server struct {
	schemas  *schema.Registry
	profiler *memory.Profiler
	engine   *decision.Engine
	policies *policy.Registry
	signer   signer.Signer
	keys     *signer.TrustedKeys
	chain    *audit.Chain
	events   events.Store
	idem     api.IdempotencyStore
	breakers *breaker.Registry
	injector *faults.Injector
	logger   *slog.Logger
	now      func() time.Time
	skew     time.Duration

	// inflight serializes concurrent submissions of the same intent ID.
	// Entries are refcounted and removed when the last holder releases.
	inflightMu sync.Mutex
	inflight   map[string]*inflightLock
}

type inflightLock struct {
	mu   sync.Mutex
	refs int
}

// Config collects the Server's dependencies. Zero optional fields get
// sensible defaults.
type Config struct {
	Schemas     *schema.Registry
	Profiler    *memory.Profiler
	Engine      *decision.Engine
	Policies    *policy.Registry
	Signer      signer.Signer
	TrustedKeys *signer.TrustedKeys
	Chain       *audit.Chain
	Events      events.Store
	Idempotency api.IdempotencyStore
	Breakers    *breaker.Registry
	Injector    *faults.Injector
	Logger      *slog.Logger
	Clock       func() time.Time
	// ClockSkew is the tolerance applied to approval validity windows on
	// /verify. It is used as given; zero disables the tolerance entirely.
	ClockSkew time.Duration
}

// New builds a Server and persists the current policy generation to the
// event store so replay always has a snapshot to pin.
func New(cfg Config) (*Server, error) {
	s := &Server{
		schemas:  cfg.Schemas,
		profiler: cfg.Profiler,
		engine:   cfg.Engine,
		policies: cfg.Policies,
		signer:   cfg.Signer,
		keys:     cfg.TrustedKeys,
		chain:    cfg.Chain,
		events:   cfg.Events,
		idem:     cfg.Idempotency,
		breakers: cfg.Breakers,
		injector: cfg.Injector,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		skew:     cfg.ClockSkew,
		inflight: make(map[string]*inflightLock),
	}
	if s.idem == nil {
		s.idem = api.NewMemoryIdempotencyStore(24 * time.Hour)
	}
	if s.breakers == nil {
		s.breakers = breaker.NewRegistry()
	}
	if s.injector == nil {
		s.injector = faults.Disabled()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.breakers.Get("database") == nil {
		s.breakers.Register(breaker.New("database", breaker.ProfileDatabase))
	}

	if err := s.persistPolicy(context.Background(), s.policies.Snapshot()); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/intents", s.handleIntents)
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/reports", s.handleReports)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/audit", s.handleAuditExport)
	return mux
}

// ReloadPolicy applies new policy bytes, audits the reload, and persists
// the new generation for replay.
func (s *Server) ReloadPolicy(ctx context.Context, data []byte) (*policy.Snapshot, error) {
	snap, err := s.policies.Load(data)
	if err != nil {
		return nil, err
	}
	if _, err := s.chain.Append(audit.Record{
		Action: audit.ActionPolicyReloaded,
		Detail: map[string]any{"generation": snap.Generation, "tools": snap.Tools()},
	}); err != nil {
		return nil, err
	}
	if err := s.persistPolicy(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// policyEvent is the persisted form of a policy generation.
type policyEvent struct {
	Generation uint64                        `json:"generation"`
	Tools      map[string]policy.ToolProfile `json:"tools"`
}

func (s *Server) persistPolicy(ctx context.Context, snap *policy.Snapshot) error {
	body, err := json.Marshal(policyEvent{Generation: snap.Generation, Tools: snap.Export()})
	if err != nil {
		return fmt.Errorf("bridge: marshal policy snapshot: %w", err)
	}
	_, err = s.events.Append(ctx, events.Event{
		Type:      events.TypePolicy,
		Timestamp: s.now(),
		PolicyGen: snap.Generation,
		Body:      body,
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	type component struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}
	components := map[string]component{}
	healthy := true

	if s.chain.Poisoned() {
		components["audit"] = component{OK: false, Detail: "chain poisoned"}
		healthy = false
	} else {
		components["audit"] = component{OK: true}
	}

	if _, err := s.events.LastSeq(r.Context()); err != nil {
		components["events"] = component{OK: false, Detail: "unreachable"}
		healthy = false
	} else {
		components["events"] = component{OK: true}
	}

	if s.signer.KeyID() == "" {
		components["signer"] = component{OK: false, Detail: "no key"}
		healthy = false
	} else {
		components["signer"] = component{OK: true}
	}

	breakers := map[string]string{}
	for _, name := range s.breakers.Names() {
		breakers[name] = string(s.breakers.Get(name).State())
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     state,
		"components": components,
		"breakers":   breakers,
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSONL
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			api.WriteValidationFailure(w, "since must be a non-negative integer", nil)
			return
		}
		since = parsed
	}

	entries, err := s.chain.Entries()
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	switch format {
	case audit.FormatJSONL:
		w.Header().Set("Content-Type", "application/x-ndjson")
	case audit.FormatCEF:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		api.WriteValidationFailure(w, fmt.Sprintf("unknown format %q", format), nil)
		return
	}
	if err := audit.Export(w, entries, format, since); err != nil {
		s.logger.Error("audit export failed", "error", err)
	}
}

// lockIntent serializes processing per intent ID. The returned func releases
// the slot and drops the entry once nobody else is waiting on it.
func (s *Server) lockIntent(intentID string) func() {
	s.inflightMu.Lock()
	l, ok := s.inflight[intentID]
	if !ok {
		l = &inflightLock{}
		s.inflight[intentID] = l
	}
	l.refs++
	s.inflightMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.inflightMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.inflight, intentID)
		}
		s.inflightMu.Unlock()
	}
}

// dbCall runs fn under the database breaker with the database fault seam.
func (s *Server) dbCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.breakers.Get("database").Do(ctx, func(ctx context.Context) error {
		if err := s.injector.Check(ctx, faults.SeamDatabase); err != nil {
			return err
		}
		return fn(ctx)
	})
}
