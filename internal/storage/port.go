// Package storage defines the persistence port the orchestration core
// consumes, plus the in-memory and YAML-file implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/maestro-flow/maestro/internal/types"
)

// ErrNotFound is returned when a workflow id does not resolve.
var ErrNotFound = errors.New("workflow not found")

// Store is the abstract contract the core persists through. The core
// never retries storage operations; errors propagate to the caller.
type Store interface {
	// SaveWorkflow persists workflow state (atomic per workflow).
	SaveWorkflow(ctx context.Context, wf *types.Workflow) error

	// LoadWorkflow retrieves a workflow by id. Returns ErrNotFound when
	// the id does not resolve.
	LoadWorkflow(ctx context.Context, id string) (*types.Workflow, error)

	// ListWorkflows returns workflows, optionally filtered by state.
	// A limit of 0 means no limit.
	ListWorkflows(ctx context.Context, state types.WorkflowState, limit int) ([]*types.Workflow, error)

	// DeleteWorkflow removes a workflow. Returns false if it did not exist.
	DeleteWorkflow(ctx context.Context, id string) (bool, error)

	// AppendAuditEvent appends to the per-workflow audit log. The log is
	// append-only and ordered by insertion.
	AppendAuditEvent(ctx context.Context, ev types.AuditEvent) error

	// AuditLog returns a workflow's audit events, optionally only those
	// at or after since.
	AuditLog(ctx context.Context, workflowID string, since *time.Time) ([]types.AuditEvent, error)

	// SaveAgentMetadata persists free-form per-agent data for a workflow.
	SaveAgentMetadata(ctx context.Context, workflowID, agentName string, meta map[string]any) error

	// AgentMetadata retrieves per-agent data. Returns nil when absent.
	AgentMetadata(ctx context.Context, workflowID, agentName string) (map[string]any, error)

	// MapIssueToWorkflow records the external-id to workflow-id mapping.
	// Last writer wins.
	MapIssueToWorkflow(ctx context.Context, issueID, workflowID string) error

	// WorkflowIDForIssue resolves an external id. Returns "" when unmapped.
	WorkflowIDForIssue(ctx context.Context, issueID string) (string, error)

	// RemoveIssueMapping deletes a mapping, if present.
	RemoveIssueMapping(ctx context.Context, issueID string) error

	// IssueMappings returns all external-id to workflow-id mappings.
	IssueMappings(ctx context.Context) (map[string]string, error)

	// SetPendingApproval records the outstanding approval for an issue,
	// replacing any previous one.
	SetPendingApproval(ctx context.Context, pa types.PendingApproval) error

	// ClearPendingApproval removes the outstanding approval, if present.
	ClearPendingApproval(ctx context.Context, issueID string) error

	// PendingApprovalFor returns the outstanding approval, or nil.
	PendingApprovalFor(ctx context.Context, issueID string) (*types.PendingApproval, error)

	// PendingApprovals returns all outstanding approvals keyed by issue id.
	PendingApprovals(ctx context.Context) (map[string]types.PendingApproval, error)

	// CleanupOldWorkflows deletes terminal workflows completed more than
	// olderThanDays ago, along with their audit logs, agent metadata, and
	// issue mappings. Returns the number of workflows removed.
	CleanupOldWorkflows(ctx context.Context, olderThanDays int) (int, error)
}
