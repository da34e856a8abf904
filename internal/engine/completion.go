package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maestro-flow/maestro/internal/storage"
	"github.com/maestro-flow/maestro/internal/types"
)

// TransitionHook is invoked after a step completion activated a new step.
type TransitionHook func(wf *types.Workflow, next *types.Step)

// CompleteHook is invoked after a workflow reaches a terminal state.
type CompleteHook func(wf *types.Workflow)

// Completer turns step outcomes into state transitions: successful
// outcomes advance the workflow, failed outcomes go through the retry
// policy. State is persisted after every change.
type Completer struct {
	store       storage.Store
	trans       *Transitioner
	bus         *Bus
	logger      *slog.Logger
	backoffBase float64

	onTransition TransitionHook
	onComplete   CompleteHook
}

// NewCompleter creates a completion service. backoffBase <= 0 uses 60s.
func NewCompleter(store storage.Store, trans *Transitioner, bus *Bus, logger *slog.Logger, backoffBase float64) *Completer {
	if backoffBase <= 0 {
		backoffBase = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		store:       store,
		trans:       trans,
		bus:         bus,
		logger:      logger,
		backoffBase: backoffBase,
	}
}

// HandleSuccess records a successful step outcome and advances the
// workflow. Returns the newly activated step, or nil when none was
// activated (terminal workflow or a requeue).
func (c *Completer) HandleSuccess(ctx context.Context, wf *types.Workflow, step *types.Step, outputs map[string]any) (*types.Step, error) {
	now := time.Now().UTC()
	if err := step.MarkCompleted(outputs, now); err != nil {
		return nil, err
	}
	c.audit(ctx, wf.ID, types.EventStepCompleted, map[string]any{
		"step":  step.DisplayName(),
		"agent": step.Agent.Name,
	})
	c.bus.Emit(Event{
		Type:       StepCompleted,
		WorkflowID: wf.ID,
		StepNumber: step.Number,
		StepID:     step.ID,
		Agent:      step.Agent.Name,
		Outputs:    outputs,
	})
	c.logger.Info("step completed", "workflow_id", wf.ID, "step", step.ID, "agent", step.Agent.Name)

	next, advErr := c.trans.Advance(ctx, wf, step)
	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	if advErr != nil {
		return nil, advErr
	}

	if wf.State.IsTerminal() {
		c.invokeComplete(wf)
		return nil, nil
	}
	if next != nil {
		c.invokeTransition(wf, next)
	}
	return next, nil
}

// HandleFailure records a failed step outcome. The step is requeued with
// backoff while its retry budget lasts; once exhausted it is marked
// FAILED terminally. A terminal step failure does not fail the workflow:
// the workflow stays RUNNING for operator intervention.
func (c *Completer) HandleFailure(ctx context.Context, wf *types.Workflow, step *types.Step, errMsg string) error {
	if step.Status != types.StepStatusRunning {
		return fmt.Errorf("cannot fail step %s in status %s", step.ID, step.Status)
	}
	now := time.Now().UTC()

	requeued, delay := applyRetry(wf, step, errMsg, c.backoffBase, now)
	if requeued {
		c.audit(ctx, wf.ID, types.EventStepRetry, map[string]any{
			"step":          step.DisplayName(),
			"agent":         step.Agent.Name,
			"error":         errMsg,
			"retry_count":   step.RetryCount,
			"delay_seconds": delay.Seconds(),
		})
		c.logger.Warn("step requeued",
			"workflow_id", wf.ID, "step", step.ID, "retry_count", step.RetryCount, "delay", delay)
	} else {
		c.audit(ctx, wf.ID, types.EventStepFailed, map[string]any{
			"step":  step.DisplayName(),
			"agent": step.Agent.Name,
			"error": errMsg,
		})
		c.bus.Emit(Event{
			Type:       StepFailed,
			WorkflowID: wf.ID,
			StepNumber: step.Number,
			StepID:     step.ID,
			Agent:      step.Agent.Name,
			Error:      errMsg,
		})
		c.logger.Error("step failed terminally",
			"workflow_id", wf.ID, "step", step.ID, "error", errMsg)
	}

	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	return nil
}

// SetTransitionHook registers the step-transition callback.
func (c *Completer) SetTransitionHook(h TransitionHook) { c.onTransition = h }

// SetCompleteHook registers the workflow-terminal callback.
func (c *Completer) SetCompleteHook(h CompleteHook) { c.onComplete = h }

// Hooks are advisory; a panicking hook never corrupts engine state.
func (c *Completer) invokeTransition(wf *types.Workflow, next *types.Step) {
	if c.onTransition == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transition hook panicked", "workflow_id", wf.ID, "panic", r)
		}
	}()
	c.onTransition(wf, next)
}

func (c *Completer) invokeComplete(wf *types.Workflow) {
	if c.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("complete hook panicked", "workflow_id", wf.ID, "panic", r)
		}
	}()
	c.onComplete(wf)
}

func (c *Completer) audit(ctx context.Context, workflowID, eventType string, data map[string]any) {
	if err := c.store.AppendAuditEvent(ctx, types.NewAuditEvent(workflowID, eventType, data)); err != nil {
		c.logger.Error("audit append failed", "workflow_id", workflowID, "event_type", eventType, "error", err)
	}
}
