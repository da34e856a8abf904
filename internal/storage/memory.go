package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maestro-flow/maestro/internal/types"
)

// MemoryStore is a mutex-guarded in-memory Store. Tests use it in place
// of the file store; workflows are deep-copied through the YAML codec on
// save and load so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte // id -> marshaled workflow
	audit     map[string][]types.AuditEvent
	agentMeta map[string]map[string]any // workflowID/agentName -> meta
	issues    map[string]string
	approvals map[string]types.PendingApproval
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		audit:     make(map[string][]types.AuditEvent),
		agentMeta: make(map[string]map[string]any),
		issues:    make(map[string]string),
		approvals: make(map[string]types.PendingApproval),
	}
}

func metaKey(workflowID, agentName string) string {
	return workflowID + "/" + agentName
}

// SaveWorkflow persists a snapshot of the workflow.
func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *types.Workflow) error {
	data, err := yaml.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = data
	return nil
}

// LoadWorkflow retrieves a workflow by id.
func (s *MemoryStore) LoadWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	s.mu.RLock()
	data, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var wf types.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", id, err)
	}
	return &wf, nil
}

// ListWorkflows returns workflows matching the filter.
func (s *MemoryStore) ListWorkflows(ctx context.Context, state types.WorkflowState, limit int) ([]*types.Workflow, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var out []*types.Workflow
	for _, id := range ids {
		wf, err := s.LoadWorkflow(ctx, id)
		if err != nil {
			continue
		}
		if state != "" && wf.State != state {
			continue
		}
		out = append(out, wf)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteWorkflow removes a workflow and its audit log.
func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return false, nil
	}
	delete(s.workflows, id)
	delete(s.audit, id)
	return true, nil
}

// AppendAuditEvent appends to the per-workflow log.
func (s *MemoryStore) AppendAuditEvent(ctx context.Context, ev types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[ev.WorkflowID] = append(s.audit[ev.WorkflowID], ev)
	return nil
}

// AuditLog returns a workflow's audit events in insertion order.
func (s *MemoryStore) AuditLog(ctx context.Context, workflowID string, since *time.Time) ([]types.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.audit[workflowID]
	out := make([]types.AuditEvent, 0, len(events))
	for _, ev := range events {
		if since != nil && ev.Timestamp.Before(*since) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// SaveAgentMetadata persists per-agent data.
func (s *MemoryStore) SaveAgentMetadata(ctx context.Context, workflowID, agentName string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentMeta[metaKey(workflowID, agentName)] = meta
	return nil
}

// AgentMetadata retrieves per-agent data.
func (s *MemoryStore) AgentMetadata(ctx context.Context, workflowID, agentName string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentMeta[metaKey(workflowID, agentName)], nil
}

// MapIssueToWorkflow records a mapping. Last writer wins.
func (s *MemoryStore) MapIssueToWorkflow(ctx context.Context, issueID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issueID] = workflowID
	return nil
}

// WorkflowIDForIssue resolves an external id.
func (s *MemoryStore) WorkflowIDForIssue(ctx context.Context, issueID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issues[issueID], nil
}

// RemoveIssueMapping deletes a mapping.
func (s *MemoryStore) RemoveIssueMapping(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.issues, issueID)
	return nil
}

// IssueMappings returns a copy of all mappings.
func (s *MemoryStore) IssueMappings(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.issues))
	for k, v := range s.issues {
		out[k] = v
	}
	return out, nil
}

// SetPendingApproval records the outstanding approval for an issue.
func (s *MemoryStore) SetPendingApproval(ctx context.Context, pa types.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[pa.IssueID] = pa
	return nil
}

// ClearPendingApproval removes the outstanding approval.
func (s *MemoryStore) ClearPendingApproval(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals, issueID)
	return nil
}

// PendingApprovalFor returns the outstanding approval, or nil.
func (s *MemoryStore) PendingApprovalFor(ctx context.Context, issueID string) (*types.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pa, ok := s.approvals[issueID]
	if !ok {
		return nil, nil
	}
	return &pa, nil
}

// PendingApprovals returns a copy of all outstanding approvals.
func (s *MemoryStore) PendingApprovals(ctx context.Context) (map[string]types.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.PendingApproval, len(s.approvals))
	for k, v := range s.approvals {
		out[k] = v
	}
	return out, nil
}

// CleanupOldWorkflows removes terminal workflows older than the cutoff.
func (s *MemoryStore) CleanupOldWorkflows(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	all, err := s.ListWorkflows(ctx, "", 0)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, wf := range all {
		if !wf.State.IsTerminal() || wf.CompletedAt == nil || wf.CompletedAt.After(cutoff) {
			continue
		}
		removed, err := s.DeleteWorkflow(ctx, wf.ID)
		if err != nil {
			return count, err
		}
		if removed {
			count++
			s.removeMappingsFor(wf.ID)
		}
	}
	return count, nil
}

func (s *MemoryStore) removeMappingsFor(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for issue, wfID := range s.issues {
		if wfID == workflowID {
			delete(s.issues, issue)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
