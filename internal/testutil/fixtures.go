// Package testutil provides workflow fixtures shared across test
// packages.
package testutil

import (
	"fmt"
	"time"

	"github.com/maestro-flow/maestro/internal/types"
)

// NewStep builds a pending step bound to an agent.
func NewStep(num int, id, agent string) *types.Step {
	return &types.Step{
		Number: num,
		ID:     id,
		Agent:  types.Agent{Name: agent},
		Status: types.StepStatusPending,
	}
}

// NewWorkflow builds a pending workflow from the given steps with
// default orchestration settings.
func NewWorkflow(id string, steps ...*types.Step) *types.Workflow {
	return &types.Workflow{
		ID:            id,
		Name:          id,
		Steps:         steps,
		State:         types.WorkflowStatePending,
		CreatedAt:     time.Now().UTC(),
		Orchestration: types.DefaultOrchestration(),
	}
}

// Sequential builds a pending workflow of n steps named step-1..step-n,
// all bound to the same agent.
func Sequential(id, agent string, n int) *types.Workflow {
	steps := make([]*types.Step, 0, n)
	for i := 1; i <= n; i++ {
		steps = append(steps, NewStep(i, stepID(i), agent))
	}
	steps[n-1].FinalStep = true
	return NewWorkflow(id, steps...)
}

func stepID(i int) string {
	return fmt.Sprintf("step-%d", i)
}
