// Package executor is the reference executor-side harness: it runs a plan's
// steps through registered tools if and only if the approval passes the
// verifier, then forwards the execution report back to the bridge.
//
// The harness is fail-closed. A missing tool, a policy rejection, or a
// verification failure never runs anything; whatever happened is reported.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aureus-labs/sentinel/pkg/contracts"
	"github.com/aureus-labs/sentinel/pkg/policy"
	"github.com/aureus-labs/sentinel/pkg/verifier"
)

// Tool executes one step's action with its arguments.
type Tool func(ctx context.Context, args map[string]any) error

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds (or replaces) a tool.
func (r *Registry) Register(name string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// SnapshotFunc supplies the policy snapshot steps are enforced under.
type SnapshotFunc func() *policy.Snapshot

// Executor gates tool execution on a verified approval.
type Executor struct {
	verifier  *verifier.Verifier
	snapshot  SnapshotFunc
	tools     *Registry
	client    *http.Client
	bridgeURL string
	logger    *slog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithBridge sets the bridge base URL reports are submitted to. Without it
// reports are returned to the caller only.
func WithBridge(baseURL string) Option {
	return func(e *Executor) { e.bridgeURL = baseURL }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New builds an Executor.
func New(v *verifier.Verifier, snapshot SnapshotFunc, tools *Registry, opts ...Option) *Executor {
	e := &Executor{
		verifier: v,
		snapshot: snapshot,
		tools:    tools,
		client:   http.DefaultClient,
		logger:   slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute verifies the approval, runs the allowed steps, and submits the
// report. The report is returned even when verification failed, so callers
// always see what was (not) executed.
func (e *Executor) Execute(ctx context.Context, approval contracts.Approval, plan contracts.Plan) (contracts.Report, error) {
	runner := verifier.RunnerFunc(func(ctx context.Context, step contracts.Step) error {
		tool, ok := e.tools.Lookup(step.Tool)
		if !ok {
			return fmt.Errorf("executor: no implementation registered for tool %q", step.Tool)
		}
		return tool(ctx, step.Args)
	})

	report, verifyErr := e.verifier.VerifyAndEnforce(ctx, approval, plan, e.snapshot(), runner)

	if e.bridgeURL != "" {
		if err := e.submit(ctx, report); err != nil {
			e.logger.Error("report submission failed", "report_id", report.ReportID, "error", err)
			if verifyErr == nil {
				return report, err
			}
		}
	}
	return report, verifyErr
}

func (e *Executor) submit(ctx context.Context, report contracts.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.bridgeURL+"/reports", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor: submit report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("executor: bridge rejected report: %s", resp.Status)
	}
	return nil
}
