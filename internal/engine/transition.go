package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/maestro-flow/maestro/internal/expr"
	"github.com/maestro-flow/maestro/internal/storage"
	"github.com/maestro-flow/maestro/internal/types"
)

// defaultMaxGotoIterations is the hard safety limit on loop re-entries.
const defaultMaxGotoIterations = 10

// GotoOverflowError signals a goto re-entry that would push a step past
// the iteration safety limit. The workflow is marked FAILED.
type GotoOverflowError struct {
	WorkflowID string
	StepID     string
	Iteration  int
}

func (e *GotoOverflowError) Error() string {
	return fmt.Sprintf("workflow %s: step %s exceeded %d loop iterations", e.WorkflowID, e.StepID, e.Iteration)
}

// Transitioner advances the state machine after a step completes
// successfully: it resolves the successor (goto, router, or sequential),
// applies guard conditions, and activates the next step or finishes the
// workflow.
type Transitioner struct {
	store         storage.Store
	bus           *Bus
	logger        *slog.Logger
	maxIterations int
}

// NewTransitioner creates a transition service. maxIterations <= 0 uses
// the default safety limit.
func NewTransitioner(store storage.Store, bus *Bus, logger *slog.Logger, maxIterations int) *Transitioner {
	if maxIterations <= 0 {
		maxIterations = defaultMaxGotoIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transitioner{
		store:         store,
		bus:           bus,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// Advance computes and performs the next activation after completed
// finished successfully. It returns the activated step, or nil when the
// workflow reached a terminal state or is still waiting on parallel
// siblings.
func (t *Transitioner) Advance(ctx context.Context, wf *types.Workflow, completed *types.Step) (*types.Step, error) {
	if anchor := parallelAnchor(wf, completed); anchor != nil {
		return t.joinParallel(ctx, wf, anchor, completed)
	}

	if completed.FinalStep {
		return nil, t.finish(ctx, wf)
	}

	candidate, err := t.successor(ctx, wf, completed)
	if err != nil {
		return nil, err
	}
	return t.activateCandidate(ctx, wf, candidate)
}

// joinParallel holds the workflow until every member of completed's
// parallel group has finished, then advances from the anchor past the
// whole group.
func (t *Transitioner) joinParallel(ctx context.Context, wf *types.Workflow, anchor, completed *types.Step) (*types.Step, error) {
	group := parallelGroup(wf, anchor)
	for _, m := range group {
		if m.Status == types.StepStatusRunning {
			t.logger.Info("parallel group still running",
				"workflow_id", wf.ID, "completed", completed.ID, "waiting_on", m.ID)
			return nil, nil
		}
	}

	if anchor.FinalStep {
		return nil, t.finish(ctx, wf)
	}
	if anchor.OnSuccess != "" {
		target, err := t.gotoTarget(ctx, wf, anchor.OnSuccess)
		if err != nil {
			return nil, err
		}
		return t.activateCandidate(ctx, wf, target)
	}

	last := anchor.Number
	for _, m := range group {
		if m.Number > last {
			last = m.Number
		}
	}
	candidate, _ := wf.StepByNumber(last + 1)
	return t.activateCandidate(ctx, wf, candidate)
}

// ActivateFrom activates the first runnable step at or after number,
// applying routers and guard conditions. Used when starting a workflow.
func (t *Transitioner) ActivateFrom(ctx context.Context, wf *types.Workflow, number int) (*types.Step, error) {
	candidate, _ := wf.StepByNumber(number)
	return t.activateCandidate(ctx, wf, candidate)
}

// activateCandidate walks routers and false guards until a runnable step
// is found, then activates it. A nil candidate finishes the workflow.
func (t *Transitioner) activateCandidate(ctx context.Context, wf *types.Workflow, candidate *types.Step) (*types.Step, error) {
	evalCtx := EvalContext(wf)

	for candidate != nil {
		if candidate.IsRouter() {
			next, err := t.evalRouter(ctx, wf, candidate, evalCtx)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, t.finish(ctx, wf)
			}
			candidate = next
			continue
		}

		if candidate.Condition != "" && !expr.EvalBool(candidate.Condition, evalCtx, true) {
			candidate.MarkSkipped()
			wf.CurrentStep = candidate.Number
			t.audit(ctx, wf.ID, types.EventStepSkipped, map[string]any{
				"step":      candidate.DisplayName(),
				"condition": candidate.Condition,
				"reason":    "condition evaluated false",
			})
			t.logger.Info("step skipped", "workflow_id", wf.ID, "step", candidate.ID, "condition", candidate.Condition)
			candidate, _ = wf.StepByNumber(candidate.Number + 1)
			continue
		}

		return candidate, t.activate(ctx, wf, candidate)
	}

	return nil, t.finish(ctx, wf)
}

// successor resolves the step to consider next: the on_success target
// (reset for re-entry when it already ran) or the next in declaration
// order.
func (t *Transitioner) successor(ctx context.Context, wf *types.Workflow, completed *types.Step) (*types.Step, error) {
	if completed.OnSuccess == "" {
		next, _ := wf.StepByNumber(completed.Number + 1)
		return next, nil
	}

	return t.gotoTarget(ctx, wf, completed.OnSuccess)
}

// gotoTarget resolves an on_success edge, resetting the target for
// re-entry when it already ran.
func (t *Transitioner) gotoTarget(ctx context.Context, wf *types.Workflow, id string) (*types.Step, error) {
	target, ok := wf.StepByID(id)
	if !ok {
		return nil, fmt.Errorf("workflow %s: on_success target %q not found", wf.ID, id)
	}
	if target.Status != types.StepStatusPending {
		if err := t.resetForGoto(ctx, wf, target); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// evalRouter marks the router SKIPPED and resolves its target: first
// non-default route whose when-expression is true, else the first
// default route. A nil return means no target resolved and the workflow
// is complete.
func (t *Transitioner) evalRouter(ctx context.Context, wf *types.Workflow, router *types.Step, evalCtx map[string]any) (*types.Step, error) {
	router.MarkSkipped()
	wf.CurrentStep = router.Number
	t.audit(ctx, wf.ID, types.EventStepSkipped, map[string]any{
		"step":   router.DisplayName(),
		"reason": "router evaluated",
	})

	var targetID string
	for _, route := range router.Routes {
		if route.Default || route.When == "" {
			continue
		}
		if expr.EvalBool(route.When, evalCtx, false) {
			targetID = route.Goto
			break
		}
	}
	if targetID == "" {
		for _, route := range router.Routes {
			if route.Default {
				targetID = route.Goto
				break
			}
		}
	}
	if targetID == "" {
		return nil, nil
	}

	target, ok := wf.StepByID(targetID)
	if !ok {
		return nil, fmt.Errorf("workflow %s: route target %q not found", wf.ID, targetID)
	}
	if target.Status != types.StepStatusPending {
		if err := t.resetForGoto(ctx, wf, target); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// resetForGoto re-enters a step that already ran, guarding the iteration
// safety limit. On overflow the workflow is failed and the offending
// step recorded in the audit.
func (t *Transitioner) resetForGoto(ctx context.Context, wf *types.Workflow, target *types.Step) error {
	if target.Iteration+1 > t.maxIterations {
		wf.Fail(time.Now().UTC())
		t.audit(ctx, wf.ID, types.EventWorkflowFailed, map[string]any{
			"step":      target.DisplayName(),
			"iteration": target.Iteration + 1,
			"reason":    "loop iteration limit exceeded",
		})
		t.logger.Error("loop iteration limit exceeded",
			"workflow_id", wf.ID, "step", target.ID, "iteration", target.Iteration+1)
		return &GotoOverflowError{WorkflowID: wf.ID, StepID: target.ID, Iteration: target.Iteration + 1}
	}
	target.ResetForGoto()
	return nil
}

// activate sets the step RUNNING and announces it, then fans out its
// parallel_with siblings. The current-step pointer tracks the anchor
// only; siblings run alongside without moving it.
func (t *Transitioner) activate(ctx context.Context, wf *types.Workflow, step *types.Step) error {
	if err := t.activateOne(ctx, wf, step); err != nil {
		return err
	}
	wf.CurrentStep = step.Number

	if len(step.ParallelWith) == 0 {
		return nil
	}
	evalCtx := EvalContext(wf)
	for _, id := range step.ParallelWith {
		sibling, ok := wf.StepByID(id)
		if !ok {
			t.logger.Warn("parallel sibling not found", "workflow_id", wf.ID, "step", step.ID, "sibling", id)
			continue
		}
		if sibling.Status != types.StepStatusPending {
			continue
		}
		if sibling.Condition != "" && !expr.EvalBool(sibling.Condition, evalCtx, true) {
			sibling.MarkSkipped()
			t.audit(ctx, wf.ID, types.EventStepSkipped, map[string]any{
				"step":      sibling.DisplayName(),
				"condition": sibling.Condition,
				"reason":    "condition evaluated false",
			})
			continue
		}
		if err := t.activateOne(ctx, wf, sibling); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transitioner) activateOne(ctx context.Context, wf *types.Workflow, step *types.Step) error {
	if err := step.Activate(time.Now().UTC()); err != nil {
		return err
	}
	t.audit(ctx, wf.ID, types.EventStepStarted, map[string]any{
		"step":  step.DisplayName(),
		"agent": step.Agent.Name,
	})
	t.bus.Emit(Event{
		Type:       StepStarted,
		WorkflowID: wf.ID,
		StepNumber: step.Number,
		StepID:     step.ID,
		Agent:      step.Agent.Name,
	})
	t.logger.Info("step started", "workflow_id", wf.ID, "step", step.ID, "agent", step.Agent.Name)
	return nil
}

// parallelAnchor finds the step whose parallel_with list forms the group
// containing s: s itself when it carries the list, otherwise the step
// naming s. Nil when s runs alone.
func parallelAnchor(wf *types.Workflow, s *types.Step) *types.Step {
	if len(s.ParallelWith) > 0 {
		return s
	}
	for _, c := range wf.Steps {
		for _, id := range c.ParallelWith {
			if id == s.ID {
				return c
			}
		}
	}
	return nil
}

// parallelGroup returns the anchor plus its resolvable siblings.
func parallelGroup(wf *types.Workflow, anchor *types.Step) []*types.Step {
	group := []*types.Step{anchor}
	for _, id := range anchor.ParallelWith {
		if sibling, ok := wf.StepByID(id); ok {
			group = append(group, sibling)
		}
	}
	return group
}

// finish marks the workflow COMPLETED.
func (t *Transitioner) finish(ctx context.Context, wf *types.Workflow) error {
	wf.Complete(time.Now().UTC())
	t.audit(ctx, wf.ID, types.EventWorkflowCompleted, nil)
	t.bus.Emit(Event{Type: WorkflowCompleted, WorkflowID: wf.ID})
	t.logger.Info("workflow completed", "workflow_id", wf.ID)
	return nil
}

func (t *Transitioner) audit(ctx context.Context, workflowID, eventType string, data map[string]any) {
	if err := t.store.AppendAuditEvent(ctx, types.NewAuditEvent(workflowID, eventType, data)); err != nil {
		t.logger.Error("audit append failed", "workflow_id", workflowID, "event_type", eventType, "error", err)
	}
}

// EvalContext builds the mapping conditions and routes evaluate against:
// the union of all completed steps' outputs in completion order, the
// most recently completed step's outputs under "result", and the
// workflow metadata under "metadata".
func EvalContext(wf *types.Workflow) map[string]any {
	ctx := make(map[string]any)

	completed := make([]*types.Step, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.Status == types.StepStatusCompleted && s.CompletedAt != nil {
			completed = append(completed, s)
		}
	}
	// Merge in completion order so the newest value wins.
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].CompletedAt.Before(*completed[j].CompletedAt)
	})
	for _, s := range completed {
		for k, v := range s.Outputs {
			ctx[k] = v
		}
	}
	if len(completed) > 0 {
		last := completed[len(completed)-1]
		ctx["result"] = last.Outputs
	}
	if wf.Metadata != nil {
		ctx["metadata"] = wf.Metadata
	}
	return ctx
}
