package definition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maestro-flow/maestro/internal/expr"
	"github.com/maestro-flow/maestro/internal/types"
)

// FlowAction is the predicted outcome of a step in a dry-run trace.
type FlowAction string

const (
	FlowRun  FlowAction = "RUN"
	FlowSkip FlowAction = "SKIP"
)

// FlowLine is one entry of the predicted execution flow.
type FlowLine struct {
	StepID string
	Agent  string
	Action FlowAction
}

// String renders the line the way `maestro dry-run` prints it.
func (l FlowLine) String() string {
	return fmt.Sprintf("%-4s %s (agent: %s)", l.Action, l.StepID, l.Agent)
}

// Simulate loads a definition and predicts its execution flow without
// running anything. Conditions are evaluated statically in an empty
// context: an unknown variable means the step would run (the value only
// exists at runtime), successful evaluation decides by truthiness, and
// any other failure predicts a skip. Router steps select dynamically and
// are omitted from the trace.
func Simulate(data []byte, opts Options) ([]string, []FlowLine, error) {
	wf, result, err := Load(data, opts)
	if err != nil {
		return nil, nil, err
	}
	if result.HasErrors() {
		return result.Errors, nil, nil
	}
	return nil, SimulateWorkflow(wf), nil
}

// SimulateWorkflow predicts the flow for an already-built workflow.
func SimulateWorkflow(wf *types.Workflow) []FlowLine {
	var flow []FlowLine
	for _, step := range wf.Steps {
		if step.IsRouter() {
			continue
		}
		flow = append(flow, FlowLine{
			StepID: step.DisplayName(),
			Agent:  step.Agent.Name,
			Action: predict(step.Condition),
		})
	}
	return flow
}

func predict(condition string) FlowAction {
	if condition == "" {
		return FlowRun
	}
	v, err := expr.Eval(condition, map[string]any{})
	if err != nil {
		if errors.Is(err, expr.ErrUnknownIdent) {
			return FlowRun
		}
		return FlowSkip
	}
	if expr.Truthy(v) {
		return FlowRun
	}
	return FlowSkip
}

// RenderFlow formats a predicted flow for terminal output.
func RenderFlow(flow []FlowLine) string {
	var sb strings.Builder
	for _, line := range flow {
		sb.WriteString(line.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
