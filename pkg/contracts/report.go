package contracts

import "time"

// StepStatus is the outcome of a single step at the executor.
type StepStatus string

const (
	StepExecuted StepStatus = "executed"
	StepRejected StepStatus = "rejected"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// ReportStatus is the terminal status of a whole plan execution.
type ReportStatus string

const (
	ReportExecuted ReportStatus = "executed"
	ReportRejected ReportStatus = "rejected"
	ReportFailed   ReportStatus = "failed"
	ReportPartial  ReportStatus = "partial"
)

// StepResult records the outcome of one step.
type StepResult struct {
	StepID string     `json:"step_id"`
	Tool   string     `json:"tool"`
	Status StepStatus `json:"status"`
	// Reason carries the rejection reason for rejected steps
	// (e.g. "plan-mismatch", "human-approval-required").
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report is the post-execution record an executor forwards to the bridge.
// Reports are append-only per plan.
type Report struct {
	Version     string       `json:"version"`
	Type        string       `json:"type"`
	ReportID    string       `json:"report_id"`
	ApprovalID  string       `json:"approval_id"`
	PlanID      string       `json:"plan_id"`
	Steps       []StepResult `json:"steps"`
	Status      ReportStatus `json:"status"`
	CompletedAt time.Time    `json:"completed_at"`
}
