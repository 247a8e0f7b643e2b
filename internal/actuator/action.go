// Package actuator implements the act side of the loop: the actuator
// registry, the built-in executors, and the policy-gated dispatcher that
// turns planned actions into recorded results.
package actuator

import (
	"encoding/json"
	"fmt"

	"vigil/internal/policy"
)

// Action is one planned unit of work addressed at a named actuator.
// Name is the action keyword the safety policy matches on; for internal
// actuators it selects the built-in executor, for MCP and workflow
// actuators it names the remote tool or workflow step.
type Action struct {
	ActuatorName string         `json:"actuator_name"`
	Name         string         `json:"name"`
	Args         map[string]any `json:"args,omitempty"`
}

// Keyword returns the policy-matching keyword for the action.
func (a Action) Keyword() string { return a.Name }

// ToPending encodes the action into its serializable held form. The full
// action rides in the payload so an approved hold can be re-dispatched
// without loss.
func (a Action) ToPending() policy.PendingAction {
	payload, _ := json.Marshal(a)
	return policy.PendingAction{
		ActuatorName: a.ActuatorName,
		Keyword:      a.Name,
		Payload:      payload,
	}
}

// FromPending decodes a held action back into dispatchable form.
func FromPending(p policy.PendingAction) (Action, error) {
	var a Action
	if err := json.Unmarshal(p.Payload, &a); err != nil {
		return Action{}, fmt.Errorf("decoding pending action for %q: %w", p.ActuatorName, err)
	}
	return a, nil
}

// StringArg extracts a string argument, with ok=false when absent or of the
// wrong type.
func (a Action) StringArg(key string) (string, bool) {
	v, ok := a.Args[key].(string)
	return v, ok
}

// ============================================================================
// Results
// ============================================================================

// ResultKind classifies the outcome of one dispatched action.
type ResultKind string

const (
	// ResultExecuted means the actuator ran; Output holds its output (or
	// the error text when Failed is set).
	ResultExecuted ResultKind = "executed"
	// ResultDenied means policy blocked the action before any side effect.
	ResultDenied ResultKind = "denied"
	// ResultRequiresHITL means the action is parked behind an approval.
	ResultRequiresHITL ResultKind = "requires_hitl"
)

// ActionResult is the recorded outcome of one action.
type ActionResult struct {
	Kind   ResultKind `json:"kind"`
	Output string     `json:"output,omitempty"`
	// Failed marks an executed action whose side effect errored. Execution
	// failures are results, not policy outcomes.
	Failed     bool   `json:"failed,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ApprovalID int64  `json:"approval_id,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}
