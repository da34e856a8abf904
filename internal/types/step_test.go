package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepLifecycle(t *testing.T) {
	now := time.Now().UTC()
	s := &Step{Number: 1, ID: "triage", Agent: Agent{Name: "triager"}, Status: StepStatusPending}

	require.NoError(t, s.Activate(now))
	assert.Equal(t, StepStatusRunning, s.Status)
	require.NotNil(t, s.StartedAt)

	// Double activation is rejected.
	assert.Error(t, s.Activate(now))

	later := now.Add(time.Minute)
	require.NoError(t, s.MarkCompleted(map[string]any{"tier": "high"}, later))
	assert.Equal(t, StepStatusCompleted, s.Status)
	assert.Equal(t, "high", s.Outputs["tier"])
	require.NotNil(t, s.CompletedAt)
}

func TestStepCompleteRequiresRunning(t *testing.T) {
	s := &Step{Number: 1, ID: "triage", Status: StepStatusPending}
	assert.Error(t, s.MarkCompleted(nil, time.Now()))
}

func TestMarkSkippedClearsTimestamps(t *testing.T) {
	now := time.Now().UTC()
	s := &Step{Number: 1, ID: "opt", Status: StepStatusPending}
	require.NoError(t, s.Activate(now))

	s.MarkSkipped()
	assert.Equal(t, StepStatusSkipped, s.Status)
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
}

func TestResetForRetry(t *testing.T) {
	now := time.Now().UTC()
	s := &Step{Number: 1, ID: "build", Status: StepStatusPending}
	require.NoError(t, s.Activate(now))
	s.Error = "boom"

	s.ResetForRetry()
	assert.Equal(t, StepStatusPending, s.Status)
	assert.Empty(t, s.Error)
	assert.Equal(t, 1, s.RetryCount)
}

func TestResetForGoto(t *testing.T) {
	now := time.Now().UTC()
	s := &Step{Number: 2, ID: "review", Status: StepStatusPending, RetryCount: 2}
	require.NoError(t, s.Activate(now))
	require.NoError(t, s.MarkCompleted(map[string]any{"verdict": "revise"}, now))

	s.ResetForGoto()
	assert.Equal(t, StepStatusPending, s.Status)
	assert.Equal(t, 1, s.Iteration)
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
	assert.Nil(t, s.Outputs)
	assert.Zero(t, s.RetryCount)

	s.ResetForGoto()
	assert.Equal(t, 2, s.Iteration, "iteration never decreases")
}

func TestEffectiveMaxRetries(t *testing.T) {
	s := &Step{ID: "x"}
	assert.Equal(t, 3, s.EffectiveMaxRetries(3), "workflow default applies")

	s.Agent.MaxRetries = 5
	assert.Equal(t, 5, s.EffectiveMaxRetries(3), "agent default wins over workflow")

	s.Retry = &RetryPolicy{MaxRetries: 1}
	assert.Equal(t, 1, s.EffectiveMaxRetries(3), "step policy wins")

	s.Retry = &RetryPolicy{MaxRetries: 0}
	assert.Zero(t, s.EffectiveMaxRetries(3), "explicit zero disables retries")
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, (&RetryPolicy{MaxRetries: 2, Backoff: BackoffLinear, InitialDelaySeconds: 5}).Validate())
	assert.Error(t, (&RetryPolicy{MaxRetries: -1}).Validate())
	assert.Error(t, (&RetryPolicy{Backoff: "fibonacci"}).Validate())
	assert.Error(t, (&RetryPolicy{InitialDelaySeconds: -1}).Validate())
}

func TestIsRouter(t *testing.T) {
	s := &Step{ID: "branch"}
	assert.False(t, s.IsRouter())
	s.Routes = []Route{{Goto: "a", Default: true}}
	assert.True(t, s.IsRouter())
}
