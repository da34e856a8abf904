package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/maestro-flow/maestro/internal/types"
)

// listConcurrency bounds parallel workflow file reads during List.
const listConcurrency = 8

// WorkflowLock is an exclusive flock on a single workflow, allowing
// multiple drivers to operate on different workflows concurrently.
type WorkflowLock struct {
	lockFile *os.File
	lockPath string
}

// Release releases the lock and removes the lock file.
func (l *WorkflowLock) Release() error {
	if l.lockFile == nil {
		return nil
	}
	syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	err := l.lockFile.Close()
	l.lockFile = nil
	os.Remove(l.lockPath)
	return err
}

// FileStore persists everything under a single directory:
//
//	workflows/<id>.yaml   workflow state (atomic write-then-rename)
//	audit/<id>.jsonl      append-only audit log, one JSON event per line
//	agents/<id>.yaml      per-workflow agent metadata
//	issues.yaml           external-id -> workflow-id mappings
//	approvals.yaml        pending approvals keyed by external id
type FileStore struct {
	dir string

	// mu serializes mutations of the shared top-level files
	// (issues.yaml, approvals.yaml) and audit appends.
	mu sync.Mutex
}

// NewFileStore creates the directory layout and recovers any interrupted
// writes left behind by a crash.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"workflows", "audit", "agents"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}
	if err := recoverInterruptedWrites(filepath.Join(dir, "workflows")); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// AcquireWorkflowLock takes an exclusive non-blocking lock for one
// workflow. Callers driving the same workflow from multiple processes
// must hold this around read-modify-write cycles.
func (s *FileStore) AcquireWorkflowLock(workflowID string) (*WorkflowLock, error) {
	lockPath := filepath.Join(s.dir, "workflows", workflowID+".yaml.lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening workflow lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("workflow %s is locked by another process: %w", workflowID, err)
	}
	return &WorkflowLock{lockFile: lockFile, lockPath: lockPath}, nil
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath) // main file intact, temp is an orphan
		} else {
			os.Rename(tmpPath, mainPath) // main file missing, promote temp
		}
	}
	return nil
}

// writeAtomic marshals v to YAML and writes it with write-then-rename.
func writeAtomic(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (s *FileStore) workflowPath(id string) string {
	return filepath.Join(s.dir, "workflows", id+".yaml")
}

// SaveWorkflow persists workflow state atomically.
func (s *FileStore) SaveWorkflow(ctx context.Context, wf *types.Workflow) error {
	return writeAtomic(s.workflowPath(wf.ID), wf)
}

// LoadWorkflow retrieves a workflow by id.
func (s *FileStore) LoadWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	data, err := os.ReadFile(s.workflowPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var wf types.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", id, err)
	}
	return &wf, nil
}

// ListWorkflows loads all workflow files, filtered by state. Files are
// read concurrently; unreadable files are skipped.
func (s *FileStore) ListWorkflows(ctx context.Context, state types.WorkflowState, limit int) ([]*types.Workflow, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "workflows"))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}

	results := make([]*types.Workflow, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			wf, err := s.LoadWorkflow(gctx, id)
			if err != nil {
				return nil // skip invalid files
			}
			results[i] = wf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*types.Workflow
	for _, wf := range results {
		if wf == nil {
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

// DeleteWorkflow removes a workflow and its side files.
func (s *FileStore) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	if err := os.Remove(s.workflowPath(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	os.Remove(filepath.Join(s.dir, "audit", id+".jsonl"))
	os.Remove(filepath.Join(s.dir, "agents", id+".yaml"))
	return true, nil
}

// AppendAuditEvent appends one JSON line to the workflow's audit file and
// syncs it, so the event is durable before the caller returns.
func (s *FileStore) AppendAuditEvent(ctx context.Context, ev types.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "audit", ev.WorkflowID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return f.Sync()
}

// AuditLog reads a workflow's audit events in insertion order.
func (s *FileStore) AuditLog(ctx context.Context, workflowID string, since *time.Time) ([]types.AuditEvent, error) {
	f, err := os.Open(filepath.Join(s.dir, "audit", workflowID+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []types.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev types.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // skip corrupt lines rather than losing the log
		}
		if since != nil && ev.Timestamp.Before(*since) {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// SaveAgentMetadata persists per-agent data under agents/<workflow>.yaml.
func (s *FileStore) SaveAgentMetadata(ctx context.Context, workflowID, agentName string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAgentMeta(workflowID)
	if err != nil {
		return err
	}
	if all == nil {
		all = make(map[string]map[string]any)
	}
	all[agentName] = meta
	return writeAtomic(filepath.Join(s.dir, "agents", workflowID+".yaml"), all)
}

// AgentMetadata retrieves per-agent data. Returns nil when absent.
func (s *FileStore) AgentMetadata(ctx context.Context, workflowID, agentName string) (map[string]any, error) {
	all, err := s.readAgentMeta(workflowID)
	if err != nil {
		return nil, err
	}
	return all[agentName], nil
}

func (s *FileStore) readAgentMeta(workflowID string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "agents", workflowID+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all map[string]map[string]any
	if err := yaml.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parsing agent metadata: %w", err)
	}
	return all, nil
}

func (s *FileStore) issuesPath() string {
	return filepath.Join(s.dir, "issues.yaml")
}

func (s *FileStore) readIssues() (map[string]string, error) {
	data, err := os.ReadFile(s.issuesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	mappings := map[string]string{}
	if err := yaml.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parsing issue mappings: %w", err)
	}
	return mappings, nil
}

// MapIssueToWorkflow records a mapping. Last writer wins.
func (s *FileStore) MapIssueToWorkflow(ctx context.Context, issueID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.readIssues()
	if err != nil {
		return err
	}
	mappings[issueID] = workflowID
	return writeAtomic(s.issuesPath(), mappings)
}

// WorkflowIDForIssue resolves an external id. Returns "" when unmapped.
func (s *FileStore) WorkflowIDForIssue(ctx context.Context, issueID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.readIssues()
	if err != nil {
		return "", err
	}
	return mappings[issueID], nil
}

// RemoveIssueMapping deletes a mapping, if present.
func (s *FileStore) RemoveIssueMapping(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.readIssues()
	if err != nil {
		return err
	}
	if _, ok := mappings[issueID]; !ok {
		return nil
	}
	delete(mappings, issueID)
	return writeAtomic(s.issuesPath(), mappings)
}

// IssueMappings returns all mappings.
func (s *FileStore) IssueMappings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIssues()
}

func (s *FileStore) approvalsPath() string {
	return filepath.Join(s.dir, "approvals.yaml")
}

func (s *FileStore) readApprovals() (map[string]types.PendingApproval, error) {
	data, err := os.ReadFile(s.approvalsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]types.PendingApproval{}, nil
		}
		return nil, err
	}
	approvals := map[string]types.PendingApproval{}
	if err := yaml.Unmarshal(data, &approvals); err != nil {
		return nil, fmt.Errorf("parsing pending approvals: %w", err)
	}
	return approvals, nil
}

// SetPendingApproval records the outstanding approval for an issue.
func (s *FileStore) SetPendingApproval(ctx context.Context, pa types.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return err
	}
	approvals[pa.IssueID] = pa
	return writeAtomic(s.approvalsPath(), approvals)
}

// ClearPendingApproval removes the outstanding approval, if present.
func (s *FileStore) ClearPendingApproval(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return err
	}
	if _, ok := approvals[issueID]; !ok {
		return nil
	}
	delete(approvals, issueID)
	return writeAtomic(s.approvalsPath(), approvals)
}

// PendingApprovalFor returns the outstanding approval, or nil.
func (s *FileStore) PendingApprovalFor(ctx context.Context, issueID string) (*types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return nil, err
	}
	pa, ok := approvals[issueID]
	if !ok {
		return nil, nil
	}
	return &pa, nil
}

// PendingApprovals returns all outstanding approvals keyed by issue id.
func (s *FileStore) PendingApprovals(ctx context.Context) (map[string]types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readApprovals()
}

// CleanupOldWorkflows removes terminal workflows older than the cutoff,
// along with their side files and issue mappings.
func (s *FileStore) CleanupOldWorkflows(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	all, err := s.ListWorkflows(ctx, "", 0)
	if err != nil {
		return 0, err
	}

	count := 0
	var removedIDs []string
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
			removedIDs = append(removedIDs, wf.ID)
		}
	}

	if len(removedIDs) > 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		mappings, err := s.readIssues()
		if err != nil {
			return count, err
		}
		gone := make(map[string]bool, len(removedIDs))
		for _, id := range removedIDs {
			gone[id] = true
		}
		changed := false
		for issue, wfID := range mappings {
			if gone[wfID] {
				delete(mappings, issue)
				changed = true
			}
		}
		if changed {
			if err := writeAtomic(s.issuesPath(), mappings); err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

var _ Store = (*FileStore)(nil)
