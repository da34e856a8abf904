// Package adapter bridges external issue events to workflow operations.
// It owns the issue-to-workflow mapping, dedupes replayed completion
// events, and enforces that a completion comes from the agent that is
// actually running.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-flow/maestro/internal/engine"
	"github.com/maestro-flow/maestro/internal/storage"
	"github.com/maestro-flow/maestro/internal/types"
)

// MismatchError signals a completion from an agent other than the one
// running the active step. The workflow is left untouched.
type MismatchError struct {
	IssueID  string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("issue %s: completion from agent %q but step is running agent %q",
		e.IssueID, e.Actual, e.Expected)
}

// NotifyFunc is invoked when a step requests human approval.
type NotifyFunc func(pa types.PendingApproval)

// Adapter translates issue-scoped events into engine calls. Operations
// on the same issue are serialized; different issues proceed in
// parallel.
type Adapter struct {
	store  storage.Store
	engine *engine.Engine
	ledger *Ledger
	logger *slog.Logger
	notify NotifyFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an adapter. ledger may be nil to disable deduplication.
func New(store storage.Store, eng *engine.Engine, ledger *Ledger, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:  store,
		engine: eng,
		ledger: ledger,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetNotifier registers the approval notification callback.
func (a *Adapter) SetNotifier(fn NotifyFunc) { a.notify = fn }

// issueLock returns the per-issue mutex, creating it on first use.
func (a *Adapter) issueLock(issueID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[issueID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[issueID] = l
	}
	return l
}

// CreateWorkflowForIssue creates the workflow and binds the issue to it.
// A previous mapping for the issue is replaced.
func (a *Adapter) CreateWorkflowForIssue(ctx context.Context, issueID string, wf *types.Workflow) error {
	lock := a.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.engine.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := a.store.MapIssueToWorkflow(ctx, issueID, wf.ID); err != nil {
		return fmt.Errorf("map issue %s: %w", issueID, err)
	}
	a.logger.Info("issue mapped", "issue_id", issueID, "workflow_id", wf.ID)
	return nil
}

// StartWorkflow starts the workflow bound to an issue.
func (a *Adapter) StartWorkflow(ctx context.Context, issueID string) (*types.Workflow, error) {
	lock := a.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return a.engine.StartWorkflow(ctx, wfID)
}

// CompleteStepForIssue handles an agent's completion report for an
// issue. Unmapped issues and duplicate events are ignored without
// error. A PENDING workflow is auto-started so its first step can
// absorb the completion. Completions from the wrong agent return a
// MismatchError and leave all state untouched.
func (a *Adapter) CompleteStepForIssue(ctx context.Context, issueID, agentName, eventID string, outputs map[string]any) error {
	lock := a.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	wfID, err := a.store.WorkflowIDForIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("resolve issue %s: %w", issueID, err)
	}
	if wfID == "" {
		a.logger.Debug("completion for unmapped issue ignored", "issue_id", issueID, "agent", agentName)
		return nil
	}

	// Events without an id cannot be deduplicated.
	key := Key(issueID, agentName, eventID)
	if eventID != "" && a.ledger != nil && a.ledger.Seen(key) {
		a.logger.Info("duplicate completion ignored",
			"issue_id", issueID, "agent", agentName, "event_id", eventID)
		return nil
	}

	wf, err := a.store.LoadWorkflow(ctx, wfID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", wfID, err)
	}

	if wf.State == types.WorkflowStatePending {
		wf, err = a.engine.StartWorkflow(ctx, wfID)
		if err != nil {
			a.logger.Error("auto-start failed", "issue_id", issueID, "workflow_id", wfID, "error", err)
			return nil
		}
		a.logger.Info("workflow auto-started", "issue_id", issueID, "workflow_id", wfID)
	}
	// PAUSED workflows still accept results from agents already in
	// flight; only terminal states drop the event.
	if wf.State != types.WorkflowStateRunning && wf.State != types.WorkflowStatePaused {
		a.logger.Info("completion for finished workflow ignored",
			"issue_id", issueID, "workflow_id", wfID, "state", wf.State)
		return nil
	}

	step := wf.RunningStepForAgent(agentName)
	if step == nil {
		if running := firstRunningStep(wf); running != nil {
			return &MismatchError{IssueID: issueID, Expected: running.Agent.Name, Actual: agentName}
		}
		a.logger.Info("completion with no running step ignored",
			"issue_id", issueID, "workflow_id", wfID, "agent", agentName)
		return nil
	}

	if _, _, err := a.engine.CompleteStep(ctx, wfID, step.Number, outputs); err != nil {
		var overflow *engine.GotoOverflowError
		if errors.As(err, &overflow) {
			a.logger.Error("workflow failed on loop limit",
				"issue_id", issueID, "workflow_id", wfID, "step", overflow.StepID)
			return err
		}
		return err
	}

	if eventID != "" && a.ledger != nil {
		if err := a.ledger.Record(key); err != nil {
			a.logger.Error("ledger record failed", "issue_id", issueID, "error", err)
		}
	}
	return nil
}

// FailStepForIssue reports a failed attempt by the agent running the
// issue's active step.
func (a *Adapter) FailStepForIssue(ctx context.Context, issueID, agentName, errMsg string) error {
	lock := a.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	wf, err := a.store.LoadWorkflow(ctx, wfID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", wfID, err)
	}
	step := wf.RunningStepForAgent(agentName)
	if step == nil {
		a.logger.Info("failure with no running step ignored",
			"issue_id", issueID, "workflow_id", wfID, "agent", agentName)
		return nil
	}
	_, err = a.engine.FailStep(ctx, wfID, step.Number, errMsg)
	return err
}

// Pause suspends the issue's workflow.
func (a *Adapter) Pause(ctx context.Context, issueID string) error {
	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	_, err = a.engine.PauseWorkflow(ctx, wfID)
	return err
}

// Resume returns the issue's workflow to RUNNING.
func (a *Adapter) Resume(ctx context.Context, issueID string) error {
	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	_, err = a.engine.ResumeWorkflow(ctx, wfID)
	return err
}

// Status returns the issue's workflow state.
func (a *Adapter) Status(ctx context.Context, issueID string) (*types.Workflow, error) {
	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return a.engine.Status(ctx, wfID)
}

// RequestApprovalGate records an outstanding human approval for the
// issue's active step and notifies the registered callback.
func (a *Adapter) RequestApprovalGate(ctx context.Context, issueID string, stepNumber int, approvers []string, timeoutSeconds int) error {
	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	wf, err := a.store.LoadWorkflow(ctx, wfID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", wfID, err)
	}
	step, ok := wf.StepByNumber(stepNumber)
	if !ok {
		return fmt.Errorf("workflow %s has no step %d", wfID, stepNumber)
	}

	pa := types.PendingApproval{
		IssueID:        issueID,
		StepNumber:     step.Number,
		StepName:       step.DisplayName(),
		Approvers:      approvers,
		TimeoutSeconds: timeoutSeconds,
		RequestedAt:    time.Now().UTC(),
	}
	if err := a.store.SetPendingApproval(ctx, pa); err != nil {
		return fmt.Errorf("record pending approval: %w", err)
	}
	if err := a.store.AppendAuditEvent(ctx, types.NewAuditEvent(wfID, types.EventApprovalRequested, map[string]any{
		"step":      step.DisplayName(),
		"approvers": approvers,
	})); err != nil {
		a.logger.Error("audit append failed", "workflow_id", wfID, "error", err)
	}
	a.logger.Info("approval requested", "issue_id", issueID, "workflow_id", wfID, "step", step.ID)
	if a.notify != nil {
		a.notify(pa)
	}
	return nil
}

// Approve grants the issue's outstanding approval.
func (a *Adapter) Approve(ctx context.Context, issueID, userID string) error {
	lock := a.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	pa, err := a.store.PendingApprovalFor(ctx, issueID)
	if err != nil {
		return err
	}
	if pa == nil {
		return fmt.Errorf("issue %s has no pending approval", issueID)
	}
	if err := a.engine.ApproveStep(ctx, wfID, pa.StepNumber, userID); err != nil {
		return err
	}
	return a.store.ClearPendingApproval(ctx, issueID)
}

// Deny rejects the issue's outstanding approval.
func (a *Adapter) Deny(ctx context.Context, issueID, userID, reason string) error {
	lock := a.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	pa, err := a.store.PendingApprovalFor(ctx, issueID)
	if err != nil {
		return err
	}
	if pa == nil {
		return fmt.Errorf("issue %s has no pending approval", issueID)
	}
	if err := a.engine.DenyStep(ctx, wfID, pa.StepNumber, userID, reason); err != nil {
		return err
	}
	return a.store.ClearPendingApproval(ctx, issueID)
}

// SaveAgentMetadata attaches free-form per-agent data to the issue's
// workflow, e.g. session ids or worktree paths reported by a launcher.
func (a *Adapter) SaveAgentMetadata(ctx context.Context, issueID, agentName string, meta map[string]any) error {
	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return err
	}
	return a.store.SaveAgentMetadata(ctx, wfID, agentName, meta)
}

// AgentMetadata retrieves per-agent data for the issue's workflow.
func (a *Adapter) AgentMetadata(ctx context.Context, issueID, agentName string) (map[string]any, error) {
	wfID, err := a.resolve(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return a.store.AgentMetadata(ctx, wfID, agentName)
}

// Reconcile runs the stale-step check on every mapped workflow. Returns
// the total number of stale steps handled.
func (a *Adapter) Reconcile(ctx context.Context) (int, error) {
	mappings, err := a.store.IssueMappings(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for issueID, wfID := range mappings {
		n, err := a.engine.Reconcile(ctx, wfID)
		if err != nil {
			a.logger.Error("reconcile failed", "issue_id", issueID, "workflow_id", wfID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

// resolve maps an issue id to its workflow id, erroring when unmapped.
func (a *Adapter) resolve(ctx context.Context, issueID string) (string, error) {
	wfID, err := a.store.WorkflowIDForIssue(ctx, issueID)
	if err != nil {
		return "", fmt.Errorf("resolve issue %s: %w", issueID, err)
	}
	if wfID == "" {
		return "", fmt.Errorf("issue %s is not mapped to a workflow", issueID)
	}
	return wfID, nil
}

func firstRunningStep(wf *types.Workflow) *types.Step {
	for _, s := range wf.Steps {
		if s.Status == types.StepStatusRunning {
			return s
		}
	}
	return nil
}
