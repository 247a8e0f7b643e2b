package policy

import (
	"vigil/internal/logging"
)

// VerdictKind is the outcome class of a policy evaluation.
type VerdictKind string

const (
	// VerdictAdmit lets the action reach the actuator.
	VerdictAdmit VerdictKind = "admit"
	// VerdictDeny blocks the action; the actuator is never called.
	VerdictDeny VerdictKind = "deny"
	// VerdictHold parks the action behind a human approval.
	VerdictHold VerdictKind = "hold"
)

// Verdict is the result of evaluating one action against one actuator's
// policy.
type Verdict struct {
	Kind VerdictKind
	// Reason is set for deny verdicts.
	Reason string
	// ApprovalID is set for hold verdicts.
	ApprovalID int64
}

// Evaluator combines allow/deny lists, the rate limiter, and the approval
// gate into a single admit/deny/hold decision.
type Evaluator struct {
	limiter *RateLimiter
	gate    *ApprovalGate
}

// NewEvaluator creates an evaluator over the given limiter and gate.
func NewEvaluator(limiter *RateLimiter, gate *ApprovalGate) *Evaluator {
	return &Evaluator{limiter: limiter, gate: gate}
}

// Limiter returns the evaluator's rate limiter.
func (e *Evaluator) Limiter() *RateLimiter { return e.limiter }

// Gate returns the evaluator's approval gate.
func (e *Evaluator) Gate() *ApprovalGate { return e.gate }

// Evaluate applies the policy rules in fixed order; the first applicable
// rule wins:
//
//  1. allowlist configured and keyword absent        -> deny
//  2. denylist configured and keyword present        -> deny
//  3. rate limit configured and window exhausted     -> deny (no increment)
//  4. require_hitl                                   -> hold (approval created)
//  5. otherwise                                      -> admit
//
// HITL comes after allow/deny/rate-limit so a request that would be denied
// anyway never reaches a human, and a held action has already consumed its
// rate-limit slot. Approved holds are dispatched directly by the executor
// without re-evaluation.
func (e *Evaluator) Evaluate(actuatorName string, pol SafetyPolicy, action PendingAction) Verdict {
	keyword := action.Keyword

	if len(pol.Allowlist) > 0 && !contains(pol.Allowlist, keyword) {
		logging.Policy("deny %q on %q: not allowlisted", keyword, actuatorName)
		return Verdict{Kind: VerdictDeny, Reason: "action '" + keyword + "' not on allowlist"}
	}

	if len(pol.Denylist) > 0 && contains(pol.Denylist, keyword) {
		logging.Policy("deny %q on %q: denylisted", keyword, actuatorName)
		return Verdict{Kind: VerdictDeny, Reason: "action '" + keyword + "' denied by policy"}
	}

	if pol.RateLimit != nil {
		if !e.limiter.CheckAndIncrement(actuatorName, *pol.RateLimit) {
			return Verdict{Kind: VerdictDeny, Reason: "rate limit exceeded for actuator '" + actuatorName + "'"}
		}
	}

	if pol.RequireHITL {
		req := e.gate.Create(action)
		return Verdict{Kind: VerdictHold, ApprovalID: req.ID}
	}

	return Verdict{Kind: VerdictAdmit}
}

func contains(list []string, keyword string) bool {
	for _, entry := range list {
		if entry == keyword {
			return true
		}
	}
	return false
}
