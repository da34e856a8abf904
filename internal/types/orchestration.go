package types

import "fmt"

// TimeoutAction selects what happens when an agent misses its liveness
// window too many times.
type TimeoutAction string

const (
	TimeoutActionRetry     TimeoutAction = "retry"
	TimeoutActionFailStep  TimeoutAction = "fail_step"
	TimeoutActionAlertOnly TimeoutAction = "alert_only"
)

// Valid returns true if this is a recognized timeout action.
func (a TimeoutAction) Valid() bool {
	switch a {
	case TimeoutActionRetry, TimeoutActionFailStep, TimeoutActionAlertOnly:
		return true
	}
	return false
}

// StaleStepAction selects how a reconcile treats RUNNING steps whose
// agent process is gone.
type StaleStepAction string

const (
	StaleStepReconcile    StaleStepAction = "reconcile"
	StaleStepFailWorkflow StaleStepAction = "fail_workflow"
)

// Valid returns true if this is a recognized stale-step action.
func (a StaleStepAction) Valid() bool {
	return a == StaleStepReconcile || a == StaleStepFailWorkflow
}

// OrchestrationConfig carries per-workflow operational parameters.
type OrchestrationConfig struct {
	PollIntervalSeconds        int             `yaml:"polling_interval,omitempty"`
	CompletionGlob             string          `yaml:"completion_glob,omitempty"`
	DedupeCacheSize            int             `yaml:"dedupe_cache_size,omitempty"`
	DefaultAgentTimeoutSeconds int             `yaml:"default_agent_timeout,omitempty"`
	LivenessMissThreshold      int             `yaml:"liveness_miss_threshold,omitempty"`
	TimeoutAction              TimeoutAction   `yaml:"timeout_action,omitempty"`
	ChainingEnabled            bool            `yaml:"chaining_enabled,omitempty"`
	RequireCompletionComment   bool            `yaml:"require_completion_comment,omitempty"`
	BlockOnClosedIssue         bool            `yaml:"block_on_closed_issue,omitempty"`
	MaxRetriesPerStep          int             `yaml:"max_retries_per_step,omitempty"`
	Backoff                    BackoffStrategy `yaml:"backoff,omitempty"`
	InitialDelaySeconds        float64         `yaml:"initial_delay,omitempty"`
	StaleRunningStepAction     StaleStepAction `yaml:"stale_running_step_action,omitempty"`
}

// DefaultOrchestration returns the operational defaults applied when a
// definition omits the orchestration block.
func DefaultOrchestration() OrchestrationConfig {
	return OrchestrationConfig{
		PollIntervalSeconds:        30,
		CompletionGlob:             ".maestro/completions/*.json",
		DedupeCacheSize:            1000,
		DefaultAgentTimeoutSeconds: 3600,
		LivenessMissThreshold:      3,
		TimeoutAction:              TimeoutActionRetry,
		ChainingEnabled:            true,
		MaxRetriesPerStep:          3,
		Backoff:                    BackoffExponential,
		InitialDelaySeconds:        60,
		StaleRunningStepAction:     StaleStepReconcile,
	}
}

// Validate checks enum domains and numeric ranges.
func (c *OrchestrationConfig) Validate() error {
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("polling_interval must be positive")
	}
	if c.DedupeCacheSize < 1 {
		return fmt.Errorf("dedupe_cache_size must be positive")
	}
	if c.DefaultAgentTimeoutSeconds < 1 {
		return fmt.Errorf("default_agent_timeout must be positive")
	}
	if c.LivenessMissThreshold < 1 {
		return fmt.Errorf("liveness_miss_threshold must be positive")
	}
	if c.TimeoutAction != "" && !c.TimeoutAction.Valid() {
		return fmt.Errorf("timeout_action %q is not one of retry, fail_step, alert_only", c.TimeoutAction)
	}
	if c.MaxRetriesPerStep < 0 {
		return fmt.Errorf("max_retries_per_step must be >= 0")
	}
	if c.Backoff != "" && !c.Backoff.Valid() {
		return fmt.Errorf("backoff %q is not one of exponential, linear, constant", c.Backoff)
	}
	if c.InitialDelaySeconds < 0 {
		return fmt.Errorf("initial_delay must be >= 0")
	}
	if c.StaleRunningStepAction != "" && !c.StaleRunningStepAction.Valid() {
		return fmt.Errorf("stale_running_step_action %q is not one of reconcile, fail_workflow", c.StaleRunningStepAction)
	}
	return nil
}
