package engine

import (
	"math"
	"time"

	"github.com/maestro-flow/maestro/internal/types"
)

// Backoff computes the delay before attempt retryCount (1-based).
//
//	exponential: defaultBase * 2^(retryCount-1)
//	linear:      initialDelay * retryCount
//	constant:    initialDelay
func Backoff(retryCount int, strategy types.BackoffStrategy, initialDelay, defaultBase float64) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	var seconds float64
	switch strategy {
	case types.BackoffLinear:
		seconds = initialDelay * float64(retryCount)
	case types.BackoffConstant:
		seconds = initialDelay
	default: // exponential
		seconds = defaultBase * math.Pow(2, float64(retryCount-1))
	}
	return time.Duration(seconds * float64(time.Second))
}

// applyRetry decides between requeueing the step and failing it
// terminally. On requeue the step returns to PENDING with its retry
// counter incremented and the backoff delay is returned. On exhaustion
// the step is marked FAILED.
func applyRetry(wf *types.Workflow, step *types.Step, errMsg string, defaultBase float64, now time.Time) (bool, time.Duration) {
	maxRetries := step.EffectiveMaxRetries(wf.Orchestration.MaxRetriesPerStep)
	if step.RetryCount >= maxRetries {
		step.MarkFailed(errMsg, now)
		return false, 0
	}

	strategy := wf.Orchestration.Backoff
	initialDelay := wf.Orchestration.InitialDelaySeconds
	if step.Retry != nil {
		if step.Retry.Backoff != "" {
			strategy = step.Retry.Backoff
		}
		if step.Retry.InitialDelaySeconds > 0 {
			initialDelay = step.Retry.InitialDelaySeconds
		}
	}

	step.ResetForRetry()
	return true, Backoff(step.RetryCount, strategy, initialDelay, defaultBase)
}
