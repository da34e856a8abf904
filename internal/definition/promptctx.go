package definition

import (
	"fmt"
	"strings"

	"github.com/maestro-flow/maestro/internal/types"
)

// PromptContext produces a human-readable enumeration of the workflow's
// steps for injection into an agent prompt, followed by a constraint
// block naming the agent types allowed to run next. The allowed set is
// derived from the current agent's step(s): follow on_success (or
// declaration order), and when the successor is a router expand every
// route target's agent type. Duplicates are removed, order preserved.
func PromptContext(wf *types.Workflow, currentAgent string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Workflow: %s\n", wf.Name))
	sb.WriteString("Steps:\n")
	for _, step := range wf.Steps {
		label := step.DisplayName()
		if step.IsRouter() {
			sb.WriteString(fmt.Sprintf("  %d. %s (router)\n", step.Number, label))
			continue
		}
		sb.WriteString(fmt.Sprintf("  %d. %s (agent: %s)\n", step.Number, label, step.Agent.Name))
	}

	next := nextAgents(wf, currentAgent)
	if len(next) > 0 {
		sb.WriteString(fmt.Sprintf("\nIMPORTANT: next_agent MUST be one of: %s\n",
			strings.Join(next, ", ")))
	}
	return sb.String()
}

// nextAgents collects the agent types reachable from the current agent's
// steps in one transition.
func nextAgents(wf *types.Workflow, currentAgent string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(agent string) {
		if agent == "" || seen[agent] {
			return
		}
		seen[agent] = true
		out = append(out, agent)
	}

	for _, step := range wf.Steps {
		if step.Agent.Name != currentAgent || step.IsRouter() {
			continue
		}
		succ := successor(wf, step)
		if succ == nil {
			continue
		}
		if succ.IsRouter() {
			for _, route := range succ.Routes {
				if target, ok := wf.StepByID(route.Goto); ok {
					add(target.Agent.Name)
				}
			}
			continue
		}
		add(succ.Agent.Name)
	}
	return out
}

func successor(wf *types.Workflow, step *types.Step) *types.Step {
	if step.OnSuccess != "" {
		if target, ok := wf.StepByID(step.OnSuccess); ok {
			return target
		}
		return nil
	}
	next, _ := wf.StepByNumber(step.Number + 1)
	return next
}
