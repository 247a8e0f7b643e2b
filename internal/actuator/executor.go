package actuator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vigil/internal/logging"
	"vigil/internal/policy"
)

// Executor dispatches actions through the safety policy to the right
// actuator implementation. Denied actions never touch an actuator; held
// actions park behind the approval gate until a human resolves them.
type Executor struct {
	registry  *Registry
	evaluator *policy.Evaluator
	workspace string
}

// NewExecutor creates an executor over the given registry and evaluator.
// workspace roots file operations for the built-in executors.
func NewExecutor(registry *Registry, evaluator *policy.Evaluator, workspace string) *Executor {
	return &Executor{
		registry:  registry,
		evaluator: evaluator,
		workspace: workspace,
	}
}

// Registry returns the executor's actuator registry.
func (ex *Executor) Registry() *Registry { return ex.registry }

// Evaluator returns the executor's policy evaluator.
func (ex *Executor) Evaluator() *policy.Evaluator { return ex.evaluator }

// Dispatch runs one action through the policy gate and, on admit, through
// the actuator. It never returns an error: every outcome, including an
// unknown actuator or a failed side effect, is an ActionResult so the loop
// can record it and move on.
func (ex *Executor) Dispatch(ctx context.Context, action Action) ActionResult {
	a, ok := ex.registry.Get(action.ActuatorName)
	if !ok {
		return ActionResult{
			Kind:   ResultDenied,
			Reason: fmt.Sprintf("unknown actuator '%s'", action.ActuatorName),
		}
	}

	verdict := ex.evaluator.Evaluate(a.Name, a.Policy, action.ToPending())
	switch verdict.Kind {
	case policy.VerdictDeny:
		logging.Actuators("denied %q on %q: %s", action.Name, a.Name, verdict.Reason)
		return ActionResult{Kind: ResultDenied, Reason: verdict.Reason}
	case policy.VerdictHold:
		logging.Actuators("held %q on %q behind approval %d", action.Name, a.Name, verdict.ApprovalID)
		return ActionResult{Kind: ResultRequiresHITL, ApprovalID: verdict.ApprovalID}
	}

	return ex.run(ctx, a, action)
}

// Approve resolves a pending hold and dispatches the held action. The
// action skips re-evaluation: its rate-limit slot was consumed when the
// hold was created, and the human decision supersedes the HITL rule.
func (ex *Executor) Approve(ctx context.Context, approvalID int64) (ActionResult, error) {
	req, err := ex.evaluator.Gate().Resolve(approvalID, true)
	if err != nil {
		return ActionResult{}, err
	}

	action, err := FromPending(req.Action)
	if err != nil {
		return ActionResult{}, err
	}

	a, ok := ex.registry.Get(action.ActuatorName)
	if !ok {
		// The actuator was removed while the hold was pending.
		return ActionResult{
			Kind:   ResultDenied,
			Reason: fmt.Sprintf("unknown actuator '%s'", action.ActuatorName),
		}, nil
	}

	logging.Actuators("approval %d granted, dispatching %q on %q", approvalID, action.Name, a.Name)
	return ex.run(ctx, a, action), nil
}

// Deny resolves a pending hold without dispatching anything.
func (ex *Executor) Deny(approvalID int64) (ActionResult, error) {
	req, err := ex.evaluator.Gate().Resolve(approvalID, false)
	if err != nil {
		return ActionResult{}, err
	}

	logging.Actuators("approval %d denied for actuator %q", approvalID, req.Action.ActuatorName)
	return ActionResult{
		Kind:   ResultDenied,
		Reason: fmt.Sprintf("approval %d denied by operator", approvalID),
	}, nil
}

// run executes an admitted action against its actuator. Side-effect
// failures are folded into an executed-but-failed result.
func (ex *Executor) run(ctx context.Context, a Actuator, action Action) ActionResult {
	start := time.Now()

	var output string
	var err error
	switch a.Kind {
	case KindInternal:
		fn, ok := internalExecutors[action.Name]
		if !ok {
			err = fmt.Errorf("no built-in executor for action '%s'", action.Name)
			break
		}
		env := ExecEnv{Workspace: ex.workspace, Sandboxed: a.Policy.Sandboxed}
		output, err = fn(ctx, env, action)
	case KindMCP:
		output = ex.dispatchMCP(a, action)
	case KindWorkflow:
		output = ex.dispatchWorkflow(a, action)
	}

	duration := time.Since(start)
	if err != nil {
		logging.Actuators("action %q on %q failed after %v: %v", action.Name, a.Name, duration, err)
		out := err.Error()
		if output != "" {
			out += "\n" + output
		}
		return ActionResult{
			Kind:       ResultExecuted,
			Output:     out,
			Failed:     true,
			DurationMS: duration.Milliseconds(),
		}
	}

	logging.ActuatorsDebug("action %q on %q completed in %v (%d bytes)",
		action.Name, a.Name, duration, len(output))
	return ActionResult{
		Kind:       ResultExecuted,
		Output:     output,
		DurationMS: duration.Milliseconds(),
	}
}

// dispatchMCP forwards an action to a remote MCP actuator. The plugin
// runtime lives outside this process; dispatch acknowledges the handoff.
func (ex *Executor) dispatchMCP(a Actuator, action Action) string {
	target := string(a.Connection)
	if a.Connection == ConnectionHTTP {
		target = a.URL
	}
	return fmt.Sprintf("mcp request '%s' queued for server '%s' via %s", action.Name, a.Name, target)
}

// dispatchWorkflow acknowledges a workflow run across its cells.
func (ex *Executor) dispatchWorkflow(a Actuator, action Action) string {
	return fmt.Sprintf("workflow '%s' started: %s", a.Name, strings.Join(a.Cells, " -> "))
}
