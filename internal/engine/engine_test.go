package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-flow/maestro/internal/logging"
	"github.com/maestro-flow/maestro/internal/storage"
	"github.com/maestro-flow/maestro/internal/testutil"
	"github.com/maestro-flow/maestro/internal/types"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	opts = append([]Option{WithLogger(logging.NewForTest())}, opts...)
	return New(store, opts...), store
}

func auditTypes(t *testing.T, store storage.Store, wfID string) []string {
	t.Helper()
	events, err := store.AuditLog(context.Background(), wfID, nil)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestSequentialHappyPath(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	wf := testutil.Sequential("wf-seq", "developer", 3)
	require.NoError(t, eng.CreateWorkflow(ctx, wf))

	wf, err := eng.StartWorkflow(ctx, "wf-seq")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, wf.State)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[0].Status)
	assert.Equal(t, 1, wf.CurrentStep)

	wf, next, err := eng.CompleteStep(ctx, "wf-seq", 1, map[string]any{"done": true})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Number)
	assert.Equal(t, types.StepStatusCompleted, wf.Steps[0].Status)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[1].Status)

	_, _, err = eng.CompleteStep(ctx, "wf-seq", 2, nil)
	require.NoError(t, err)

	wf, next, err = eng.CompleteStep(ctx, "wf-seq", 3, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, types.WorkflowStateCompleted, wf.State)
	require.NotNil(t, wf.CompletedAt)

	// The persisted copy agrees with the returned one.
	persisted, err := store.LoadWorkflow(ctx, "wf-seq")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, persisted.State)

	got := auditTypes(t, store, "wf-seq")
	assert.Equal(t, []string{
		types.EventWorkflowCreated,
		types.EventWorkflowStarted,
		types.EventStepStarted,
		types.EventStepCompleted,
		types.EventStepStarted,
		types.EventStepCompleted,
		types.EventStepStarted,
		types.EventStepCompleted,
		types.EventWorkflowCompleted,
	}, got)
}

func routedWorkflow() *types.Workflow {
	triage := testutil.NewStep(1, "triage", "triager")
	route := testutil.NewStep(2, "route", "router")
	route.Routes = []types.Route{
		{When: "result['tier'] == 'high'", Goto: "deep-review"},
		{Default: true, Goto: "quick-review"},
	}
	deep := testutil.NewStep(3, "deep-review", "senior-reviewer")
	deep.FinalStep = true
	quick := testutil.NewStep(4, "quick-review", "reviewer")
	quick.FinalStep = true
	return testutil.NewWorkflow("wf-routed", triage, route, deep, quick)
}

func TestRouterSelectsMatchingRoute(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, routedWorkflow()))
	_, err := eng.StartWorkflow(ctx, "wf-routed")
	require.NoError(t, err)

	wf, next, err := eng.CompleteStep(ctx, "wf-routed", 1, map[string]any{"tier": "high"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "deep-review", next.ID)

	assert.Equal(t, types.StepStatusSkipped, wf.Steps[1].Status, "router is marked skipped")
	assert.Equal(t, types.StepStatusRunning, wf.Steps[2].Status)
	assert.Equal(t, types.StepStatusPending, wf.Steps[3].Status, "unselected branch untouched")

	got := auditTypes(t, store, "wf-routed")
	assert.Contains(t, got, types.EventStepSkipped)
}

func TestRouterFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, routedWorkflow()))
	_, err := eng.StartWorkflow(ctx, "wf-routed")
	require.NoError(t, err)

	wf, next, err := eng.CompleteStep(ctx, "wf-routed", 1, map[string]any{"tier": "low"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "quick-review", next.ID)
	assert.Equal(t, types.StepStatusPending, wf.Steps[2].Status)
}

func TestConditionSkip(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	submit := testutil.NewStep(1, "submit", "developer")
	deploy := testutil.NewStep(2, "deploy", "deployer")
	deploy.Condition = "approval_status == 'approved'"
	notify := testutil.NewStep(3, "notify", "notifier")
	notify.FinalStep = true
	require.NoError(t, eng.CreateWorkflow(ctx, testutil.NewWorkflow("wf-cond", submit, deploy, notify)))

	_, err := eng.StartWorkflow(ctx, "wf-cond")
	require.NoError(t, err)

	wf, next, err := eng.CompleteStep(ctx, "wf-cond", 1, map[string]any{"approval_status": "rejected"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "notify", next.ID)
	assert.Equal(t, types.StepStatusSkipped, wf.Steps[1].Status)

	events, err := store.AuditLog(ctx, "wf-cond", nil)
	require.NoError(t, err)
	var skipped *types.AuditEvent
	for i := range events {
		if events[i].Type == types.EventStepSkipped {
			skipped = &events[i]
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, "approval_status == 'approved'", skipped.Data["condition"],
		"the audit records which expression skipped the step")
}

func TestConditionUnknownVariableRuns(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	first := testutil.NewStep(1, "first", "dev")
	guarded := testutil.NewStep(2, "guarded", "dev")
	guarded.Condition = "never_set == 'yes'"
	guarded.FinalStep = true
	require.NoError(t, eng.CreateWorkflow(ctx, testutil.NewWorkflow("wf-unknown", first, guarded)))

	_, err := eng.StartWorkflow(ctx, "wf-unknown")
	require.NoError(t, err)

	_, next, err := eng.CompleteStep(ctx, "wf-unknown", 1, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "guarded", next.ID, "guards default to running on evaluation failure")
}

func loopWorkflow() *types.Workflow {
	draft := testutil.NewStep(1, "draft", "writer")
	draft.OnSuccess = "review"
	review := testutil.NewStep(2, "review", "router")
	review.Routes = []types.Route{
		{When: "verdict == 'revise'", Goto: "draft"},
		{Default: true, Goto: "publish"},
	}
	publish := testutil.NewStep(3, "publish", "publisher")
	publish.FinalStep = true
	return testutil.NewWorkflow("wf-loop", draft, review, publish)
}

func TestGotoLoopAndIterationLimit(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t, WithMaxGotoIterations(5))

	require.NoError(t, eng.CreateWorkflow(ctx, loopWorkflow()))
	_, err := eng.StartWorkflow(ctx, "wf-loop")
	require.NoError(t, err)

	// Five revision loops stay under the limit.
	for i := 0; i < 5; i++ {
		wf, next, err := eng.CompleteStep(ctx, "wf-loop", 1, map[string]any{"verdict": "revise"})
		require.NoError(t, err, "loop %d", i+1)
		require.NotNil(t, next)
		assert.Equal(t, "draft", next.ID)
		assert.Equal(t, i+1, wf.Steps[0].Iteration)
		assert.Zero(t, wf.Steps[0].RetryCount, "re-entry resets the retry counter")
	}

	// The sixth re-entry trips the safety limit.
	wf, _, err := eng.CompleteStep(ctx, "wf-loop", 1, map[string]any{"verdict": "revise"})
	require.Error(t, err)
	var overflow *GotoOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, "draft", overflow.StepID)
	assert.Equal(t, types.WorkflowStateFailed, wf.State)

	events, err := store.AuditLog(ctx, "wf-loop", nil)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.EventWorkflowFailed, last.Type)
	assert.Equal(t, "draft", last.Data["step"])
}

func TestGotoLoopExit(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, loopWorkflow()))
	_, err := eng.StartWorkflow(ctx, "wf-loop")
	require.NoError(t, err)

	_, next, err := eng.CompleteStep(ctx, "wf-loop", 1, map[string]any{"verdict": "revise"})
	require.NoError(t, err)
	assert.Equal(t, "draft", next.ID)

	_, next, err = eng.CompleteStep(ctx, "wf-loop", 1, map[string]any{"verdict": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "publish", next.ID)

	wf, next, err := eng.CompleteStep(ctx, "wf-loop", 3, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, types.WorkflowStateCompleted, wf.State)
}

func TestFailStepRetriesThenFailsTerminally(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	flaky := testutil.NewStep(1, "flaky", "dev")
	flaky.Retry = &types.RetryPolicy{MaxRetries: 2, Backoff: types.BackoffConstant, InitialDelaySeconds: 1}
	flaky.FinalStep = true
	require.NoError(t, eng.CreateWorkflow(ctx, testutil.NewWorkflow("wf-retry", flaky)))

	_, err := eng.StartWorkflow(ctx, "wf-retry")
	require.NoError(t, err)

	reactivate := func() {
		wf, err := store.LoadWorkflow(ctx, "wf-retry")
		require.NoError(t, err)
		require.NoError(t, wf.Steps[0].Activate(time.Now().UTC()))
		require.NoError(t, store.SaveWorkflow(ctx, wf))
	}

	wf, err := eng.FailStep(ctx, "wf-retry", 1, "first failure")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusPending, wf.Steps[0].Status)
	assert.Equal(t, 1, wf.Steps[0].RetryCount)

	reactivate()
	wf, err = eng.FailStep(ctx, "wf-retry", 1, "second failure")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusPending, wf.Steps[0].Status)
	assert.Equal(t, 2, wf.Steps[0].RetryCount)

	reactivate()
	wf, err = eng.FailStep(ctx, "wf-retry", 1, "third failure")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusFailed, wf.Steps[0].Status)
	assert.Equal(t, "third failure", wf.Steps[0].Error)
	assert.Equal(t, types.WorkflowStateRunning, wf.State,
		"a terminally failed step leaves the workflow running for intervention")

	got := auditTypes(t, store, "wf-retry")
	assert.Contains(t, got, types.EventStepRetry)
	assert.Contains(t, got, types.EventStepFailed)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, testutil.Sequential("wf-pr", "dev", 2)))
	_, err := eng.StartWorkflow(ctx, "wf-pr")
	require.NoError(t, err)

	wf, err := eng.PauseWorkflow(ctx, "wf-pr")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatePaused, wf.State)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[0].Status, "pause leaves the active step alone")

	// A result already in flight still lands while paused; pause only
	// stops new agent launches.
	wf, next, err := eng.CompleteStep(ctx, "wf-pr", 1, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Number)
	assert.Equal(t, types.WorkflowStatePaused, wf.State, "completion does not unpause")

	wf, err = eng.ResumeWorkflow(ctx, "wf-pr")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, wf.State)

	_, _, err = eng.CompleteStep(ctx, "wf-pr", 2, nil)
	require.NoError(t, err)

	wf, err = eng.Status(ctx, "wf-pr")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, wf.State)
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, testutil.Sequential("wf-cancel", "dev", 1)))
	wf, err := eng.CancelWorkflow(ctx, "wf-cancel", "superseded")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCancelled, wf.State)

	_, err = eng.CancelWorkflow(ctx, "wf-cancel", "again")
	assert.Error(t, err)
}

func TestCreateWorkflowAssignsID(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	wf := testutil.Sequential("", "dev", 1)
	wf.Name = "auto-id"
	require.NoError(t, eng.CreateWorkflow(ctx, wf))
	assert.NotEmpty(t, wf.ID)
}

func TestCreateWorkflowRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	wf := testutil.Sequential("wf-bad", "dev", 2)
	wf.Steps[1].Number = 7
	assert.Error(t, eng.CreateWorkflow(ctx, wf))
}

func TestApproveAndDenyAreAuditOnly(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, testutil.Sequential("wf-appr", "dev", 1)))
	_, err := eng.StartWorkflow(ctx, "wf-appr")
	require.NoError(t, err)

	require.NoError(t, eng.ApproveStep(ctx, "wf-appr", 1, "alice"))
	require.NoError(t, eng.DenyStep(ctx, "wf-appr", 1, "bob", "not ready"))

	wf, err := eng.Status(ctx, "wf-appr")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[0].Status, "approval decisions do not move the state machine")

	events, err := store.AuditLog(ctx, "wf-appr", nil)
	require.NoError(t, err)
	var granted, denied bool
	for _, ev := range events {
		switch ev.Type {
		case types.EventApprovalGranted:
			granted = true
			assert.Equal(t, "alice", ev.UserID)
		case types.EventApprovalDenied:
			denied = true
			assert.Equal(t, "bob", ev.UserID)
			assert.Equal(t, "not ready", ev.Data["reason"])
		}
	}
	assert.True(t, granted)
	assert.True(t, denied)
}

func TestReconcileStaleStep(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	wf := testutil.Sequential("wf-stale", "dev", 1)
	wf.Orchestration.DefaultAgentTimeoutSeconds = 60
	require.NoError(t, eng.CreateWorkflow(ctx, wf))
	_, err := eng.StartWorkflow(ctx, "wf-stale")
	require.NoError(t, err)

	// Backdate the running step past the timeout.
	loaded, err := store.LoadWorkflow(ctx, "wf-stale")
	require.NoError(t, err)
	old := time.Now().UTC().Add(-time.Hour)
	loaded.Steps[0].StartedAt = &old
	require.NoError(t, store.SaveWorkflow(ctx, loaded))

	n, err := eng.Reconcile(ctx, "wf-stale")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := store.LoadWorkflow(ctx, "wf-stale")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusPending, after.Steps[0].Status, "stale step requeued through retry")
	assert.Equal(t, 1, after.Steps[0].RetryCount)
}

func TestReconcileFailWorkflowAction(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	wf := testutil.Sequential("wf-stale2", "dev", 1)
	wf.Orchestration.DefaultAgentTimeoutSeconds = 60
	wf.Orchestration.StaleRunningStepAction = types.StaleStepFailWorkflow
	require.NoError(t, eng.CreateWorkflow(ctx, wf))
	_, err := eng.StartWorkflow(ctx, "wf-stale2")
	require.NoError(t, err)

	loaded, err := store.LoadWorkflow(ctx, "wf-stale2")
	require.NoError(t, err)
	old := time.Now().UTC().Add(-time.Hour)
	loaded.Steps[0].StartedAt = &old
	require.NoError(t, store.SaveWorkflow(ctx, loaded))

	n, err := eng.Reconcile(ctx, "wf-stale2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := store.LoadWorkflow(ctx, "wf-stale2")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateFailed, after.State)
}

func TestCompletionEventsOnBus(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	var seen []EventType
	for _, et := range []EventType{StepStarted, StepCompleted, WorkflowCompleted} {
		eng.Bus().Subscribe(et, func(ev Event) { seen = append(seen, ev.Type) })
	}

	require.NoError(t, eng.CreateWorkflow(ctx, testutil.Sequential("wf-bus", "dev", 1)))
	_, err := eng.StartWorkflow(ctx, "wf-bus")
	require.NoError(t, err)
	_, _, err = eng.CompleteStep(ctx, "wf-bus", 1, nil)
	require.NoError(t, err)

	assert.Equal(t, []EventType{StepStarted, StepCompleted, WorkflowCompleted}, seen)
}

func parallelWorkflow(id string) *types.Workflow {
	build := testutil.NewStep(1, "build", "builder")
	build.ParallelWith = []string{"docs"}
	docs := testutil.NewStep(2, "docs", "writer")
	ship := testutil.NewStep(3, "ship", "shipper")
	ship.FinalStep = true
	return testutil.NewWorkflow(id, build, docs, ship)
}

func TestParallelFanOutAndJoin(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, parallelWorkflow("wf-par")))
	_, err := eng.StartWorkflow(ctx, "wf-par")
	require.NoError(t, err)

	wf, err := store.LoadWorkflow(ctx, "wf-par")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[0].Status)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[1].Status, "sibling activated alongside")
	assert.Equal(t, 1, wf.CurrentStep, "pointer stays on the anchor")

	// First completion waits for the rest of the group.
	_, next, err := eng.CompleteStep(ctx, "wf-par", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
	wf, err = store.LoadWorkflow(ctx, "wf-par")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, wf.State)
	assert.Equal(t, types.StepStatusPending, wf.Steps[2].Status, "join waits for the whole group")

	// The last member completes, the join advances past the group.
	_, next, err = eng.CompleteStep(ctx, "wf-par", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 3, next.Number)

	_, _, err = eng.CompleteStep(ctx, "wf-par", 3, nil)
	require.NoError(t, err)
	wf, err = store.LoadWorkflow(ctx, "wf-par")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, wf.State)
}

func TestParallelJoinOrderIndependent(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	require.NoError(t, eng.CreateWorkflow(ctx, parallelWorkflow("wf-par2")))
	_, err := eng.StartWorkflow(ctx, "wf-par2")
	require.NoError(t, err)

	// Sibling finishes before the anchor.
	_, next, err := eng.CompleteStep(ctx, "wf-par2", 2, nil)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, next, err = eng.CompleteStep(ctx, "wf-par2", 1, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 3, next.Number)

	wf, err := store.LoadWorkflow(ctx, "wf-par2")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusRunning, wf.Steps[2].Status)
}

func TestParallelSiblingGuardSkipped(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	wf := parallelWorkflow("wf-par3")
	wf.Steps[1].Condition = "false"
	require.NoError(t, eng.CreateWorkflow(ctx, wf))
	_, err := eng.StartWorkflow(ctx, "wf-par3")
	require.NoError(t, err)

	loaded, err := store.LoadWorkflow(ctx, "wf-par3")
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusRunning, loaded.Steps[0].Status)
	assert.Equal(t, types.StepStatusSkipped, loaded.Steps[1].Status, "guarded sibling skipped, not launched")

	// The skipped sibling does not hold up the join.
	_, next, err := eng.CompleteStep(ctx, "wf-par3", 1, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 3, next.Number)
}
