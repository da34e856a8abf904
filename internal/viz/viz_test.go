package viz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-flow/maestro/internal/testutil"
	"github.com/maestro-flow/maestro/internal/types"
)

func TestMermaid(t *testing.T) {
	triage := testutil.NewStep(1, "triage", "triager")
	triage.Status = types.StepStatusCompleted
	route := testutil.NewStep(2, "route", "router")
	route.Routes = []types.Route{
		{When: "tier == 'high'", Goto: "deep"},
		{Default: true, Goto: "quick"},
	}
	route.Status = types.StepStatusSkipped
	deep := testutil.NewStep(3, "deep", "reviewer")
	deep.Status = types.StepStatusRunning
	deep.FinalStep = true
	quick := testutil.NewStep(4, "quick", "reviewer")
	quick.FinalStep = true
	wf := testutil.NewWorkflow("wf-viz", triage, route, deep, quick)

	out := Mermaid(wf)

	assert.Contains(t, out, "flowchart TD")
	assert.Contains(t, out, `S1["1. triage [COMPLETED]"]`)
	assert.Contains(t, out, `S3["3. deep [RUNNING]"]`)

	assert.Contains(t, out, "S1 --> S2", "sequential edge into the router")
	assert.Contains(t, out, "S2 -->|tier == 'high'| S3", "route edge labeled with its condition")
	assert.Contains(t, out, "S2 -->|default| S4")

	assert.Contains(t, out, "classDef running")
	assert.Contains(t, out, "class S3 running")
	assert.Contains(t, out, "class S2 skipped")
}

func TestMermaidOnSuccessEdge(t *testing.T) {
	draft := testutil.NewStep(1, "draft", "writer")
	draft.OnSuccess = "publish"
	skip := testutil.NewStep(2, "skip-me", "noop")
	publish := testutil.NewStep(3, "publish", "publisher")
	publish.FinalStep = true
	wf := testutil.NewWorkflow("wf-edges", draft, skip, publish)

	out := Mermaid(wf)
	assert.Contains(t, out, "S1 --> S3", "on_success overrides the sequential edge")
	assert.NotContains(t, out, "S1 --> S2")
}

func TestMermaidEscapesLabels(t *testing.T) {
	s := testutil.NewStep(1, "odd", "dev")
	s.Name = `review "final" [v2]`
	s.FinalStep = true
	wf := testutil.NewWorkflow("wf-esc", s)

	out := Mermaid(wf)
	assert.Contains(t, out, "review 'final' (v2)")
	assert.NotContains(t, out, `"final"`)
}
