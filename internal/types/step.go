package types

import (
	"fmt"
	"time"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"   // Waiting for activation
	StepStatusRunning   StepStatus = "running"   // Agent is working on it
	StepStatusCompleted StepStatus = "completed" // Finished successfully
	StepStatusFailed    StepStatus = "failed"    // Retries exhausted
	StepStatusSkipped   StepStatus = "skipped"   // Guard false or router evaluated
)

// Valid returns true if this is a recognized step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final for a single pass.
// Skipped and terminal steps can still be re-entered via goto.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
)

// Valid returns true if this is a recognized backoff strategy.
func (b BackoffStrategy) Valid() bool {
	switch b {
	case BackoffExponential, BackoffLinear, BackoffConstant:
		return true
	}
	return false
}

// RetryPolicy is a per-step override for retry behavior.
type RetryPolicy struct {
	MaxRetries          int             `yaml:"max_retries"`
	Backoff             BackoffStrategy `yaml:"backoff,omitempty"`
	InitialDelaySeconds float64         `yaml:"initial_delay,omitempty"`
}

// Validate checks the retry policy fields are in their allowed domains.
func (p *RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry_policy.max_retries must be >= 0")
	}
	if p.Backoff != "" && !p.Backoff.Valid() {
		return fmt.Errorf("retry_policy.backoff %q is not one of exponential, linear, constant", p.Backoff)
	}
	if p.InitialDelaySeconds < 0 {
		return fmt.Errorf("retry_policy.initial_delay must be >= 0")
	}
	return nil
}

// Route is one branch of a router step. The first non-default route whose
// When expression evaluates true wins; otherwise the first default route.
type Route struct {
	When    string `yaml:"when,omitempty"`
	Goto    string `yaml:"goto"`
	Default bool   `yaml:"default,omitempty"`
}

// Step is one node in the workflow graph. Steps live in a contiguous
// 1-based sequence; all edges (on_success, routes, parallel_with) are
// stable string ids resolved by lookup, never pointers.
type Step struct {
	// Identity
	Number int    `yaml:"number"` // 1-based, dense
	ID     string `yaml:"id"`
	Name   string `yaml:"name,omitempty"`

	// Execution
	Agent          Agent          `yaml:"agent"`
	Prompt         string         `yaml:"prompt,omitempty"`
	Condition      string         `yaml:"condition,omitempty"`
	TimeoutSeconds int            `yaml:"timeout,omitempty"`
	Retry          *RetryPolicy   `yaml:"retry_policy,omitempty"`
	Inputs         map[string]any `yaml:"inputs,omitempty"`

	// Lifecycle
	Status      StepStatus     `yaml:"status"`
	StartedAt   *time.Time     `yaml:"started_at,omitempty"`
	CompletedAt *time.Time     `yaml:"completed_at,omitempty"`
	Outputs     map[string]any `yaml:"outputs,omitempty"`
	Error       string         `yaml:"error,omitempty"`
	RetryCount  int            `yaml:"retry_count,omitempty"`
	Iteration   int            `yaml:"iteration,omitempty"` // loop re-entries, never decreases

	// Edges
	OnSuccess    string   `yaml:"on_success,omitempty"`
	Routes       []Route  `yaml:"routes,omitempty"`
	FinalStep    bool     `yaml:"final_step,omitempty"`
	ParallelWith []string `yaml:"parallel_with,omitempty"`

	// Policy
	Gates []ApprovalGate `yaml:"approval_gates,omitempty"`
}

// IsRouter returns true if this step only selects the next step.
func (s *Step) IsRouter() bool {
	return len(s.Routes) > 0
}

// DisplayName returns the step's name, falling back to its id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// EffectiveMaxRetries resolves the retry budget: step policy, then agent
// default, then the workflow-level default.
func (s *Step) EffectiveMaxRetries(workflowDefault int) int {
	if s.Retry != nil {
		return s.Retry.MaxRetries
	}
	if s.Agent.MaxRetries > 0 {
		return s.Agent.MaxRetries
	}
	return workflowDefault
}

// Activate marks the step RUNNING and stamps started-at.
func (s *Step) Activate(now time.Time) error {
	if s.Status != StepStatusPending {
		return fmt.Errorf("cannot activate step %s in status %s", s.ID, s.Status)
	}
	s.Status = StepStatusRunning
	s.StartedAt = &now
	s.CompletedAt = nil
	return nil
}

// MarkCompleted records a successful outcome.
func (s *Step) MarkCompleted(outputs map[string]any, now time.Time) error {
	if s.Status != StepStatusRunning {
		return fmt.Errorf("cannot complete step %s in status %s", s.ID, s.Status)
	}
	s.Status = StepStatusCompleted
	s.CompletedAt = &now
	s.Outputs = outputs
	s.Error = ""
	return nil
}

// MarkFailed records a terminal failure after retries are exhausted.
func (s *Step) MarkFailed(errMsg string, now time.Time) {
	s.Status = StepStatusFailed
	s.CompletedAt = &now
	s.Error = errMsg
}

// MarkSkipped records that the step was bypassed. Skipped steps carry no
// completed-at; only COMPLETED and FAILED do.
func (s *Step) MarkSkipped() {
	s.Status = StepStatusSkipped
	s.StartedAt = nil
	s.CompletedAt = nil
}

// ResetForRetry requeues the step for another attempt.
func (s *Step) ResetForRetry() {
	s.Status = StepStatusPending
	s.CompletedAt = nil
	s.Error = ""
	s.RetryCount++
}

// ResetForGoto re-enters a step that already ran. Transient fields are
// cleared and the iteration counter is incremented.
func (s *Step) ResetForGoto() {
	s.Iteration++
	s.Status = StepStatusPending
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Outputs = nil
	s.Error = ""
	s.RetryCount = 0
}

// Validate checks the step is well-formed.
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step %d: id is required", s.Number)
	}
	if s.Number < 1 {
		return fmt.Errorf("step %s: number must be >= 1", s.ID)
	}
	if err := s.Agent.Validate(); err != nil {
		return fmt.Errorf("step %s: %w", s.ID, err)
	}
	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	for i, r := range s.Routes {
		if r.Goto == "" {
			return fmt.Errorf("step %s: route[%d] missing goto target", s.ID, i)
		}
	}
	return nil
}
