package types

import (
	"fmt"
	"time"
)

// GateType classifies an approval gate.
type GateType string

const (
	GatePRMerge    GateType = "PR_MERGE"
	GateDeployment GateType = "DEPLOYMENT"
	GateDataAccess GateType = "DATA_ACCESS"
	GateCustom     GateType = "CUSTOM"
)

// Valid returns true if this is a recognized gate type.
func (g GateType) Valid() bool {
	switch g {
	case GatePRMerge, GateDeployment, GateDataAccess, GateCustom:
		return true
	}
	return false
}

// ApprovalGate is an approval policy attached to a step. A PR_MERGE gate
// is applied workflow-wide when require_human_merge_approval is set.
type ApprovalGate struct {
	Type            GateType `yaml:"gate_type"`
	Required        bool     `yaml:"required"`
	RestrictedTools []string `yaml:"restricted_tools,omitempty"`
	Constraint      string   `yaml:"constraint,omitempty"` // injected into prompt composition
}

// Validate checks the gate is well-formed.
func (g *ApprovalGate) Validate() error {
	if !g.Type.Valid() {
		return fmt.Errorf("invalid gate_type %q", g.Type)
	}
	return nil
}

// EffectiveGates returns the gates governing a step, including the
// implicit workflow-wide PR_MERGE gate when require_human_merge_approval
// is set and the step does not already carry one.
func (w *Workflow) EffectiveGates(s *Step) []ApprovalGate {
	gates := s.Gates
	if !w.RequireHumanMergeApproval {
		return gates
	}
	for _, g := range gates {
		if g.Type == GatePRMerge {
			return gates
		}
	}
	merged := make([]ApprovalGate, 0, len(gates)+1)
	merged = append(merged, gates...)
	merged = append(merged, ApprovalGate{
		Type:       GatePRMerge,
		Required:   true,
		Constraint: "A human must approve the pull-request merge before this step may finish.",
	})
	return merged
}

// PendingApproval records an outstanding approval request for an external
// id. At most one exists per issue.
type PendingApproval struct {
	IssueID        string    `yaml:"issue_id" json:"issue_id"`
	StepNumber     int       `yaml:"step_number" json:"step_number"`
	StepName       string    `yaml:"step_name" json:"step_name"`
	Approvers      []string  `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	TimeoutSeconds int       `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	RequestedAt    time.Time `yaml:"requested_at" json:"requested_at"`
}
