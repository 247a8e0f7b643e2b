// Package policy implements the deterministic safety gate in front of every
// actuator: allow/deny lists, windowed rate limits, sandboxing flags, and
// human-in-the-loop approvals. Evaluation is pure and race-free; the rate
// limiter's check-and-increment is a single critical section per actuator.
package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Period is the bucket size for a rate-limit window.
type Period string

const (
	PerMinute Period = "minute"
	PerHour   Period = "hour"
	PerDay    Period = "day"
	PerWeek   Period = "week"
	PerMonth  Period = "month"
)

// Duration returns the wall-clock length of the period.
// Months are fixed 30-day windows.
func (p Period) Duration() time.Duration {
	switch p {
	case PerMinute:
		return time.Minute
	case PerHour:
		return time.Hour
	case PerDay:
		return 24 * time.Hour
	case PerWeek:
		return 7 * 24 * time.Hour
	case PerMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p.Duration() > 0
}

// RateLimit caps executions of one actuator per period.
type RateLimit struct {
	// Max is the number of executions allowed in the period. Must be > 0.
	Max uint32 `json:"max" yaml:"max"`
	// Per is the period bucket for this limit.
	Per Period `json:"per" yaml:"per"`
}

// SafetyPolicy is the safety configuration attached to an actuator.
type SafetyPolicy struct {
	// Allowlist restricts actions to the listed keywords. Mutually
	// exclusive with Denylist.
	Allowlist []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	// Denylist rejects the listed action keywords.
	Denylist []string `json:"denylist,omitempty" yaml:"denylist,omitempty"`
	// RateLimit optionally caps executions per period.
	RateLimit *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// RequireHITL holds every admitted action for human approval.
	RequireHITL bool `json:"require_hitl" yaml:"require_hitl"`
	// Sandboxed runs the actuator's side effects in a restricted context.
	Sandboxed bool `json:"sandboxed" yaml:"sandboxed"`
}

// Validate checks policy invariants.
func (p SafetyPolicy) Validate() error {
	if len(p.Allowlist) > 0 && len(p.Denylist) > 0 {
		return fmt.Errorf("allowlist and denylist cannot both be set")
	}
	if p.RateLimit != nil {
		if p.RateLimit.Max == 0 {
			return fmt.Errorf("rate_limit.max must be greater than 0")
		}
		if !p.RateLimit.Per.Valid() {
			return fmt.Errorf("rate_limit.per must be one of minute, hour, day, week, month")
		}
	}
	return nil
}

// PendingAction is the serializable form of an action held for approval.
// Payload carries the original action encoding so the executor can
// re-dispatch it once approved.
type PendingAction struct {
	ActuatorName string          `json:"actuator_name"`
	Keyword      string          `json:"keyword"`
	Payload      json.RawMessage `json:"payload"`
}
