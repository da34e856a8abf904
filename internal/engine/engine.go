// Package engine drives the workflow state machine: activation,
// transitions, routing, retries, and the audit trail.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-flow/maestro/internal/storage"
	"github.com/maestro-flow/maestro/internal/types"
)

// Engine is the orchestration facade. All mutations go through it so
// every state change is persisted and audited in one place.
type Engine struct {
	store  storage.Store
	bus    *Bus
	logger *slog.Logger

	maxIterations int
	backoffBase   float64

	onTransition TransitionHook
	onComplete   CompleteHook

	trans *Transitioner
	comp  *Completer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBus sets the event bus. A fresh bus is created by default.
func WithBus(b *Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithMaxGotoIterations overrides the loop re-entry safety limit.
func WithMaxGotoIterations(n int) Option {
	return func(e *Engine) { e.maxIterations = n }
}

// WithBackoffBase overrides the exponential backoff base, in seconds.
func WithBackoffBase(seconds float64) Option {
	return func(e *Engine) { e.backoffBase = seconds }
}

// WithTransitionHook registers a callback fired when a completion
// activates a new step.
func WithTransitionHook(h TransitionHook) Option {
	return func(e *Engine) { e.onTransition = h }
}

// WithCompleteHook registers a callback fired when a workflow reaches a
// terminal state through a completion.
func WithCompleteHook(h CompleteHook) Option {
	return func(e *Engine) { e.onComplete = h }
}

// New creates an engine over the given store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		logger:        slog.Default(),
		maxIterations: defaultMaxGotoIterations,
		backoffBase:   60,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = NewBus(e.logger)
	}
	e.trans = NewTransitioner(store, e.bus, e.logger, e.maxIterations)
	e.comp = NewCompleter(store, e.trans, e.bus, e.logger, e.backoffBase)
	e.comp.SetTransitionHook(e.onTransition)
	e.comp.SetCompleteHook(e.onComplete)
	return e
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

// CreateWorkflow validates and persists a new workflow in PENDING state.
// An empty id is assigned a fresh UUID.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.State == "" {
		wf.State = types.WorkflowStatePending
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	e.audit(ctx, wf.ID, types.EventWorkflowCreated, map[string]any{
		"name":  wf.Name,
		"steps": len(wf.Steps),
	})
	e.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return nil
}

// StartWorkflow transitions a PENDING workflow to RUNNING and activates
// its first runnable step.
func (e *Engine) StartWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := wf.Start(time.Now().UTC()); err != nil {
		return nil, err
	}
	e.audit(ctx, wf.ID, types.EventWorkflowStarted, nil)

	_, actErr := e.trans.ActivateFrom(ctx, wf, 1)
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	if actErr != nil {
		return nil, actErr
	}
	e.logger.Info("workflow started", "workflow_id", wf.ID)
	return wf, nil
}

// PauseWorkflow suspends a RUNNING workflow.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := wf.Pause(); err != nil {
		return nil, err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	e.audit(ctx, wf.ID, types.EventWorkflowPaused, nil)
	e.logger.Info("workflow paused", "workflow_id", wf.ID)
	return wf, nil
}

// ResumeWorkflow returns a PAUSED workflow to RUNNING.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := wf.Resume(); err != nil {
		return nil, err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	e.audit(ctx, wf.ID, types.EventWorkflowResumed, nil)
	e.logger.Info("workflow resumed", "workflow_id", wf.ID)
	return wf, nil
}

// CancelWorkflow aborts a non-terminal workflow.
func (e *Engine) CancelWorkflow(ctx context.Context, id, reason string) (*types.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := wf.Cancel(time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	e.audit(ctx, wf.ID, types.EventWorkflowFailed, map[string]any{
		"reason":    "cancelled",
		"cancelled": true,
		"detail":    reason,
	})
	e.logger.Info("workflow cancelled", "workflow_id", wf.ID, "reason", reason)
	return wf, nil
}

// CompleteStep records a successful outcome for a RUNNING step and
// advances the workflow. Returns the updated workflow and the newly
// activated step, if any. PAUSED workflows still admit completions:
// pause stops new agent launches, not results already in flight.
func (e *Engine) CompleteStep(ctx context.Context, id string, stepNumber int, outputs map[string]any) (*types.Workflow, *types.Step, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if wf.State != types.WorkflowStateRunning && wf.State != types.WorkflowStatePaused {
		return nil, nil, fmt.Errorf("workflow %s is %s, not running", wf.ID, wf.State)
	}
	step, ok := wf.StepByNumber(stepNumber)
	if !ok {
		return nil, nil, fmt.Errorf("workflow %s has no step %d", wf.ID, stepNumber)
	}
	next, err := e.comp.HandleSuccess(ctx, wf, step, outputs)
	if err != nil {
		return wf, nil, err
	}
	return wf, next, nil
}

// FailStep records a failed outcome for a RUNNING step, applying the
// retry policy. The workflow stays RUNNING even when the step fails
// terminally.
func (e *Engine) FailStep(ctx context.Context, id string, stepNumber int, errMsg string) (*types.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.State != types.WorkflowStateRunning {
		return nil, fmt.Errorf("workflow %s is %s, not running", wf.ID, wf.State)
	}
	step, ok := wf.StepByNumber(stepNumber)
	if !ok {
		return nil, fmt.Errorf("workflow %s has no step %d", wf.ID, stepNumber)
	}
	if err := e.comp.HandleFailure(ctx, wf, step, errMsg); err != nil {
		return wf, err
	}
	return wf, nil
}

// ApproveStep records a granted approval in the audit log. Gate
// enforcement happens at the agent boundary; the engine only keeps the
// decision trail.
func (e *Engine) ApproveStep(ctx context.Context, id string, stepNumber int, userID string) error {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	step, ok := wf.StepByNumber(stepNumber)
	if !ok {
		return fmt.Errorf("workflow %s has no step %d", wf.ID, stepNumber)
	}
	ev := types.NewAuditEvent(wf.ID, types.EventApprovalGranted, map[string]any{
		"step": step.DisplayName(),
	})
	ev.UserID = userID
	if err := e.store.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("persist approval for workflow %s: %w", wf.ID, err)
	}
	e.logger.Info("approval granted", "workflow_id", wf.ID, "step", step.ID, "user_id", userID)
	return nil
}

// DenyStep records a denied approval in the audit log.
func (e *Engine) DenyStep(ctx context.Context, id string, stepNumber int, userID, reason string) error {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	step, ok := wf.StepByNumber(stepNumber)
	if !ok {
		return fmt.Errorf("workflow %s has no step %d", wf.ID, stepNumber)
	}
	ev := types.NewAuditEvent(wf.ID, types.EventApprovalDenied, map[string]any{
		"step":   step.DisplayName(),
		"reason": reason,
	})
	ev.UserID = userID
	if err := e.store.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("persist denial for workflow %s: %w", wf.ID, err)
	}
	e.logger.Info("approval denied", "workflow_id", wf.ID, "step", step.ID, "user_id", userID, "reason", reason)
	return nil
}

// Status returns the current persisted state of a workflow.
func (e *Engine) Status(ctx context.Context, id string) (*types.Workflow, error) {
	return e.store.LoadWorkflow(ctx, id)
}

// AuditLog returns a workflow's audit trail.
func (e *Engine) AuditLog(ctx context.Context, id string, since *time.Time) ([]types.AuditEvent, error) {
	return e.store.AuditLog(ctx, id, since)
}

// Reconcile inspects a RUNNING workflow for steps that have been RUNNING
// longer than the agent timeout and applies the configured stale-step
// action: requeue them through the retry policy, or fail the workflow.
// Returns the number of stale steps handled.
func (e *Engine) Reconcile(ctx context.Context, id string) (int, error) {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return 0, err
	}
	if wf.State != types.WorkflowStateRunning {
		return 0, nil
	}

	timeout := time.Duration(wf.Orchestration.DefaultAgentTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(types.DefaultOrchestration().DefaultAgentTimeoutSeconds) * time.Second
	}
	now := time.Now().UTC()

	var stale []*types.Step
	for _, s := range wf.Steps {
		if s.Status == types.StepStatusRunning && s.StartedAt != nil && now.Sub(*s.StartedAt) > timeout {
			stale = append(stale, s)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if wf.Orchestration.StaleRunningStepAction == types.StaleStepFailWorkflow {
		wf.Fail(now)
		e.audit(ctx, wf.ID, types.EventWorkflowFailed, map[string]any{
			"reason": "stale running step",
			"step":   stale[0].DisplayName(),
		})
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return 0, fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
		e.logger.Error("workflow failed on stale step", "workflow_id", wf.ID, "step", stale[0].ID)
		return len(stale), nil
	}

	for _, s := range stale {
		if err := e.comp.HandleFailure(ctx, wf, s, "agent timed out"); err != nil {
			return 0, err
		}
		e.logger.Warn("stale step reconciled", "workflow_id", wf.ID, "step", s.ID)
	}
	return len(stale), nil
}

func (e *Engine) audit(ctx context.Context, workflowID, eventType string, data map[string]any) {
	if err := e.store.AppendAuditEvent(ctx, types.NewAuditEvent(workflowID, eventType, data)); err != nil {
		e.logger.Error("audit append failed", "workflow_id", workflowID, "event_type", eventType, "error", err)
	}
}
