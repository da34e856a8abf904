// Package definition parses declarative workflow documents into the
// in-memory model, resolves tiered variants, simulates execution for
// dry-runs, and generates prompt-injection context.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/maestro-flow/maestro/internal/expr"
	"github.com/maestro-flow/maestro/internal/types"
)

// Options control loading behavior.
type Options struct {
	// Tier selects a named variant ("full", "shortened", "fast-track",
	// or custom). Empty means the flat steps list, falling back to the
	// first *_workflow variant found.
	Tier string

	// Strict promotes warnings to errors.
	Strict bool

	// WorkspaceRoot is the directory an absolute completion_glob must
	// resolve inside. Empty disables the containment check.
	WorkspaceRoot string
}

// Result collects validation errors and warnings from a load.
type Result struct {
	Errors   []string
	Warnings []string
}

// HasErrors returns true if loading produced any errors.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// AddError records a validation error.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning records a validation warning.
func (r *Result) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (r *Result) Error() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("definition invalid with %d error(s):\n  - %s",
		len(r.Errors), strings.Join(r.Errors, "\n  - "))
}

// LoadFile parses a YAML workflow definition from a path.
func LoadFile(path string, opts Options) (*types.Workflow, *Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading definition: %w", err)
	}
	return Load(data, opts)
}

// Load parses a YAML workflow definition document. The returned Result
// always carries accumulated errors and warnings; the workflow is nil
// when the result has errors.
func Load(data []byte, opts Options) (*types.Workflow, *Result, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing definition: %w", err)
	}
	return Build(doc, opts)
}

// Build turns an already-decoded definition document into a workflow.
func Build(doc map[string]any, opts Options) (*types.Workflow, *Result, error) {
	result := &Result{}

	name := asString(doc["name"])
	id := asString(doc["id"])
	if name == "" && id == "" {
		result.AddError("definition must contain a name or id")
	}
	if name == "" {
		name = id
	}

	rawSteps, tierKey := resolveSteps(doc, opts.Tier)
	if opts.Tier != "" && tierKey == "" {
		result.AddError("tier %q not found in definition", opts.Tier)
	}
	if len(rawSteps) == 0 && tierKey != "" {
		result.AddError("tier %q has an empty steps list", opts.Tier)
	}
	if len(rawSteps) == 0 && opts.Tier == "" {
		result.AddError("definition has no steps")
	}

	wf := &types.Workflow{
		ID:            id,
		Name:          name,
		Version:       asString(doc["version"]),
		Description:   asString(doc["description"]),
		State:         types.WorkflowStatePending,
		SchemaVersion: asString(doc["schema_version"]),
		Orchestration: types.DefaultOrchestration(),
	}
	if meta, ok := doc["metadata"].(map[string]any); ok {
		wf.Metadata = meta
	}
	wf.RequireHumanMergeApproval = ParseBool(doc["require_human_merge_approval"], false)

	knownIDs := make(map[string]bool)
	for _, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if sid := firstNonEmpty(asString(m["id"]), asString(m["name"])); sid != "" {
			knownIDs[sid] = true
		}
	}

	for i, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			result.AddError("step %d is not a mapping", i+1)
			continue
		}
		step := buildStep(i+1, m, knownIDs, result, opts)
		wf.Steps = append(wf.Steps, step)
	}

	if orch, ok := doc["orchestration"].(map[string]any); ok {
		wf.Orchestration = buildOrchestration(orch, result, opts)
	}

	if opts.Strict {
		result.Errors = append(result.Errors, result.Warnings...)
		result.Warnings = nil
	}
	if result.HasErrors() {
		return nil, result, nil
	}
	return wf, result, nil
}

// resolveSteps finds the step list for the requested tier. Resolution
// order: explicit workflow_types map, then <tier>_workflow, then <tier>,
// with hyphens normalized to underscores. Without a tier the flat steps
// list wins, else the first *_workflow key found (sorted for
// determinism).
func resolveSteps(doc map[string]any, tier string) ([]any, string) {
	if tier == "" {
		if steps := asList(doc["steps"]); len(steps) > 0 {
			return steps, "steps"
		}
		var keys []string
		for k := range doc {
			if strings.HasSuffix(k, "_workflow") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if steps := stepsUnder(doc[k]); len(steps) > 0 {
				return steps, k
			}
		}
		return nil, ""
	}

	normalized := strings.ReplaceAll(tier, "-", "_")
	if wt, ok := doc["workflow_types"].(map[string]any); ok {
		for _, key := range []string{tier, normalized} {
			if steps := stepsUnder(wt[key]); len(steps) > 0 {
				return steps, "workflow_types." + key
			}
		}
	}
	for _, key := range []string{
		tier + "_workflow",
		normalized + "_workflow",
		tier,
		normalized,
	} {
		if steps := stepsUnder(doc[key]); len(steps) > 0 {
			return steps, key
		}
	}
	return nil, ""
}

// stepsUnder extracts a steps list from either a {steps: [...]} mapping
// or a bare list.
func stepsUnder(v any) []any {
	if m, ok := v.(map[string]any); ok {
		return asList(m["steps"])
	}
	return asList(v)
}

func buildStep(num int, m map[string]any, knownIDs map[string]bool, result *Result, opts Options) *types.Step {
	step := &types.Step{
		Number: num,
		ID:     firstNonEmpty(asString(m["id"]), asString(m["name"])),
		Name:   asString(m["name"]),
		Status: types.StepStatusPending,
	}
	if step.ID == "" {
		step.ID = fmt.Sprintf("step-%d", num)
	}

	agentType := asString(m["agent_type"])
	if agentType == "" {
		result.AddError("step %q: agent_type is required", step.ID)
	}
	step.Agent = types.Agent{Name: agentType}

	step.Prompt = asString(m["prompt_template"])
	step.Condition = asString(m["condition"])
	if step.Condition != "" {
		if err := expr.Check(step.Condition); err != nil {
			result.AddError("step %q: invalid condition: %v", step.ID, err)
		}
	}

	step.OnSuccess = asString(m["on_success"])
	if step.OnSuccess != "" && len(knownIDs) > 0 && !knownIDs[step.OnSuccess] {
		result.AddError("step %q: on_success references unknown step %q", step.ID, step.OnSuccess)
	}
	step.FinalStep = ParseBool(m["final_step"], false)
	step.TimeoutSeconds = asInt(m["timeout"], 0)

	if inputs, ok := m["inputs"].(map[string]any); ok {
		step.Inputs = inputs
	}
	if outputs, ok := m["outputs"].(map[string]any); ok {
		step.Outputs = outputs
	}

	if rp, ok := m["retry_policy"].(map[string]any); ok {
		policy := &types.RetryPolicy{
			MaxRetries:          asInt(rp["max_retries"], 0),
			Backoff:             types.BackoffStrategy(asString(rp["backoff"])),
			InitialDelaySeconds: asFloat(rp["initial_delay"], 0),
		}
		if err := policy.Validate(); err != nil {
			result.AddError("step %q: %v", step.ID, err)
		}
		step.Retry = policy
	} else if retries, ok := m["retry"]; ok {
		// Shorthand: retry: N
		step.Retry = &types.RetryPolicy{MaxRetries: asInt(retries, 0)}
	}

	for i, raw := range asList(m["routes"]) {
		rm, ok := raw.(map[string]any)
		if !ok {
			result.AddError("step %q: route %d is not a mapping", step.ID, i)
			continue
		}
		route := types.Route{
			When:    asString(rm["when"]),
			Goto:    firstNonEmpty(asString(rm["goto"]), asString(rm["then"])),
			Default: ParseBool(rm["default"], false),
		}
		if route.Goto == "" {
			result.AddError("step %q: route %d missing goto target", step.ID, i)
		} else if len(knownIDs) > 0 && !knownIDs[route.Goto] {
			result.AddError("step %q: route targets unknown step %q", step.ID, route.Goto)
		}
		if route.When != "" {
			if err := expr.Check(route.When); err != nil {
				result.AddError("step %q: invalid route condition: %v", step.ID, err)
			}
		}
		step.Routes = append(step.Routes, route)
	}

	if par, ok := m["parallel"]; ok {
		list := asList(par)
		if len(list) == 0 {
			result.AddWarning("step %q: parallel must be a list of step ids", step.ID)
		}
		for _, raw := range list {
			sid, ok := raw.(string)
			if !ok {
				result.AddWarning("step %q: parallel entry %v is not a string", step.ID, raw)
				continue
			}
			if !knownIDs[sid] {
				result.AddWarning("step %q: parallel references unknown step %q", step.ID, sid)
			}
			step.ParallelWith = append(step.ParallelWith, sid)
		}
	}

	for i, raw := range asList(m["approval_gates"]) {
		gm, ok := raw.(map[string]any)
		if !ok {
			result.AddError("step %q: approval gate %d is not a mapping", step.ID, i)
			continue
		}
		gate := types.ApprovalGate{
			Type:       types.GateType(asString(gm["gate_type"])),
			Required:   ParseBool(gm["required"], false),
			Constraint: asString(gm["constraint"]),
		}
		for _, t := range asList(gm["restricted_tools"]) {
			if s, ok := t.(string); ok {
				gate.RestrictedTools = append(gate.RestrictedTools, s)
			}
		}
		if err := gate.Validate(); err != nil {
			result.AddError("step %q: %v", step.ID, err)
		}
		step.Gates = append(step.Gates, gate)
	}

	return step
}

func buildOrchestration(m map[string]any, result *Result, opts Options) types.OrchestrationConfig {
	cfg := types.DefaultOrchestration()

	if v, ok := m["polling_interval"]; ok {
		cfg.PollIntervalSeconds = asInt(v, cfg.PollIntervalSeconds)
	}
	if v, ok := m["completion_glob"]; ok {
		cfg.CompletionGlob = asString(v)
	}
	if v, ok := m["dedupe_cache_size"]; ok {
		cfg.DedupeCacheSize = asInt(v, cfg.DedupeCacheSize)
	}
	if v, ok := m["default_agent_timeout"]; ok {
		cfg.DefaultAgentTimeoutSeconds = asInt(v, cfg.DefaultAgentTimeoutSeconds)
	}
	if v, ok := m["liveness_miss_threshold"]; ok {
		cfg.LivenessMissThreshold = asInt(v, cfg.LivenessMissThreshold)
	}
	if v, ok := m["timeout_action"]; ok {
		cfg.TimeoutAction = types.TimeoutAction(asString(v))
	}
	if v, ok := m["chaining_enabled"]; ok {
		cfg.ChainingEnabled = ParseBool(v, cfg.ChainingEnabled)
	}
	if v, ok := m["require_completion_comment"]; ok {
		cfg.RequireCompletionComment = ParseBool(v, false)
	}
	if v, ok := m["block_on_closed_issue"]; ok {
		cfg.BlockOnClosedIssue = ParseBool(v, false)
	}
	if v, ok := m["max_retries_per_step"]; ok {
		cfg.MaxRetriesPerStep = asInt(v, cfg.MaxRetriesPerStep)
	}
	if v, ok := m["backoff"]; ok {
		cfg.Backoff = types.BackoffStrategy(asString(v))
	}
	if v, ok := m["initial_delay"]; ok {
		cfg.InitialDelaySeconds = asFloat(v, cfg.InitialDelaySeconds)
	}
	if v, ok := m["stale_running_step_action"]; ok {
		cfg.StaleRunningStepAction = types.StaleStepAction(asString(v))
	}

	if err := cfg.Validate(); err != nil {
		result.AddError("orchestration: %v", err)
	}
	validateCompletionGlob(cfg.CompletionGlob, opts.WorkspaceRoot, result)

	return cfg
}

// validateCompletionGlob checks the glob is non-empty, syntactically
// valid, and — when absolute — resolves inside the workspace root. Path
// traversal out of the root is rejected.
func validateCompletionGlob(glob, workspaceRoot string, result *Result) {
	if glob == "" {
		result.AddError("orchestration: completion_glob must be non-empty")
		return
	}
	if !doublestar.ValidatePattern(glob) {
		result.AddError("orchestration: completion_glob %q is not a valid glob pattern", glob)
		return
	}
	if !filepath.IsAbs(glob) || workspaceRoot == "" {
		return
	}
	cleaned := filepath.Clean(glob)
	rel, err := filepath.Rel(workspaceRoot, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		result.AddError("orchestration: completion_glob %q escapes the workspace root", glob)
	}
}

// ParseBool interprets the boolean-ish values a YAML document can carry.
// Strings "true"/"yes"/"on"/"1" are true, "false"/"no"/"off"/"0" are
// false, anything else falls back to def. This avoids the pitfall of
// treating any non-empty string as truthy.
func ParseBool(v any, def bool) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "on", "1":
			return true
		case "false", "no", "off", "0":
			return false
		}
		return def
	case int:
		return x != 0
	}
	return def
}

// --- conversion helpers ---

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return def
}

func asFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return def
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
