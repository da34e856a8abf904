package types

import "time"

// Audit event types. These are stable wire strings; renaming one breaks
// every consumer of the audit log.
const (
	EventWorkflowCreated   = "WORKFLOW_CREATED"
	EventWorkflowStarted   = "WORKFLOW_STARTED"
	EventWorkflowPaused    = "WORKFLOW_PAUSED"
	EventWorkflowResumed   = "WORKFLOW_RESUMED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"

	EventStepStarted   = "STEP_STARTED"
	EventStepCompleted = "STEP_COMPLETED"
	EventStepFailed    = "STEP_FAILED"
	EventStepSkipped   = "STEP_SKIPPED"
	EventStepRetry     = "STEP_RETRY"

	EventApprovalRequested = "APPROVAL_REQUESTED"
	EventApprovalGranted   = "APPROVAL_GRANTED"
	EventApprovalDenied    = "APPROVAL_DENIED"
)

// AuditEvent is an immutable record of one state transition. The per-
// workflow audit log is append-only and ordered by insertion.
type AuditEvent struct {
	WorkflowID string         `yaml:"workflow_id" json:"workflow_id"`
	Timestamp  time.Time      `yaml:"timestamp" json:"timestamp"`
	Type       string         `yaml:"event_type" json:"event_type"`
	Data       map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
	UserID     string         `yaml:"user_id,omitempty" json:"user_id,omitempty"`
}

// NewAuditEvent creates an event stamped with the current time.
func NewAuditEvent(workflowID, eventType string, data map[string]any) AuditEvent {
	return AuditEvent{
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		Data:       data,
	}
}
