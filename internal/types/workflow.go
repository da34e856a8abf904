package types

import (
	"fmt"
	"time"
)

// WorkflowState represents the lifecycle state of a workflow.
type WorkflowState string

const (
	WorkflowStatePending   WorkflowState = "pending"   // Created but not started
	WorkflowStateRunning   WorkflowState = "running"   // A step is (or may be) active
	WorkflowStatePaused    WorkflowState = "paused"    // Suspended by operator
	WorkflowStateCompleted WorkflowState = "completed" // Reached the end
	WorkflowStateFailed    WorkflowState = "failed"    // Unrecoverable failure
	WorkflowStateCancelled WorkflowState = "cancelled" // Aborted by operator
)

// Valid returns true if this is a recognized workflow state.
func (s WorkflowState) Valid() bool {
	switch s {
	case WorkflowStatePending, WorkflowStateRunning, WorkflowStatePaused,
		WorkflowStateCompleted, WorkflowStateFailed, WorkflowStateCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if this state is final.
func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowStateCompleted || s == WorkflowStateFailed || s == WorkflowStateCancelled
}

// Workflow is the top-level container: an ordered sequence of steps plus
// the state machine pointer. Steps are indexed by step number; all graph
// edges are string ids.
type Workflow struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`

	Steps []*Step `yaml:"steps"`

	State       WorkflowState `yaml:"state"`
	CurrentStep int           `yaml:"current_step"` // step number, 0 before start
	CreatedAt   time.Time     `yaml:"created_at"`
	StartedAt   *time.Time    `yaml:"started_at,omitempty"`
	CompletedAt *time.Time    `yaml:"completed_at,omitempty"`

	Metadata                  map[string]any      `yaml:"metadata,omitempty"`
	RequireHumanMergeApproval bool                `yaml:"require_human_merge_approval,omitempty"`
	SchemaVersion             string              `yaml:"schema_version,omitempty"`
	Orchestration             OrchestrationConfig `yaml:"orchestration"`
}

// StepByNumber returns the step with the given 1-based number.
func (w *Workflow) StepByNumber(n int) (*Step, bool) {
	if n < 1 || n > len(w.Steps) {
		return nil, false
	}
	return w.Steps[n-1], true
}

// StepByID returns the step whose id or name matches.
func (w *Workflow) StepByID(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id || (s.Name != "" && s.Name == id) {
			return s, true
		}
	}
	return nil, false
}

// RunningStepForAgent returns the first RUNNING step bound to the given
// agent name, in declaration order.
func (w *Workflow) RunningStepForAgent(agentName string) *Step {
	for _, s := range w.Steps {
		if s.Status == StepStatusRunning && s.Agent.Name == agentName {
			return s
		}
	}
	return nil
}

// HasRunningStep returns true if any step is currently RUNNING.
func (w *Workflow) HasRunningStep() bool {
	for _, s := range w.Steps {
		if s.Status == StepStatusRunning {
			return true
		}
	}
	return false
}

// Start transitions the workflow from PENDING to RUNNING.
func (w *Workflow) Start(now time.Time) error {
	if w.State != WorkflowStatePending {
		return fmt.Errorf("cannot start workflow %s in state %s", w.ID, w.State)
	}
	w.State = WorkflowStateRunning
	w.StartedAt = &now
	return nil
}

// Pause suspends a RUNNING workflow. The active step's status is untouched.
func (w *Workflow) Pause() error {
	if w.State != WorkflowStateRunning {
		return fmt.Errorf("cannot pause workflow %s in state %s", w.ID, w.State)
	}
	w.State = WorkflowStatePaused
	return nil
}

// Resume returns a PAUSED workflow to RUNNING.
func (w *Workflow) Resume() error {
	if w.State != WorkflowStatePaused {
		return fmt.Errorf("cannot resume workflow %s in state %s", w.ID, w.State)
	}
	w.State = WorkflowStateRunning
	return nil
}

// Complete marks the workflow COMPLETED and stamps completed-at.
func (w *Workflow) Complete(now time.Time) {
	w.State = WorkflowStateCompleted
	w.CompletedAt = &now
}

// Fail marks the workflow FAILED and stamps completed-at.
func (w *Workflow) Fail(now time.Time) {
	w.State = WorkflowStateFailed
	w.CompletedAt = &now
}

// Cancel marks the workflow CANCELLED and stamps completed-at.
func (w *Workflow) Cancel(now time.Time) error {
	if w.State.IsTerminal() {
		return fmt.Errorf("cannot cancel workflow %s in terminal state %s", w.ID, w.State)
	}
	w.State = WorkflowStateCancelled
	w.CompletedAt = &now
	return nil
}

// Validate checks structural invariants: dense 1-based step numbers,
// unique ids, and edges that resolve to known steps.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.ID)
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if err := s.Validate(); err != nil {
			return err
		}
		if s.Number != i+1 {
			return fmt.Errorf("step %s: number %d out of sequence (want %d)", s.ID, s.Number, i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range w.Steps {
		if s.OnSuccess != "" {
			if _, ok := w.StepByID(s.OnSuccess); !ok {
				return fmt.Errorf("step %s: on_success references unknown step %q", s.ID, s.OnSuccess)
			}
		}
		for _, r := range s.Routes {
			if _, ok := w.StepByID(r.Goto); !ok {
				return fmt.Errorf("step %s: route references unknown step %q", s.ID, r.Goto)
			}
		}
	}
	if w.CurrentStep < 0 || w.CurrentStep > len(w.Steps) {
		return fmt.Errorf("current_step %d does not point to an existing step", w.CurrentStep)
	}
	return nil
}
