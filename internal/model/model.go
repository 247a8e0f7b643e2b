// Package model defines the two inference tiers of the loop: a cheap local
// model that filters percepts for surprise, and a frontier model that plans
// actions for the surprising ones. Backends are opaque request/response
// services behind these interfaces; rule-based implementations keep the
// agent runnable offline and deterministic under test.
package model

import (
	"context"

	"vigil/internal/actuator"
	"vigil/internal/percept"
)

// Usage is the token accounting for one model call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// SurpriseResult is the local model's verdict over one sensed window.
// SurprisingIndexes points into the sensed slice, so percept identity is
// preserved without re-matching content.
type SurpriseResult struct {
	SurprisingIndexes []int
	Usage             Usage
}

// PlanResult is the frontier model's ordered action plan. Order is a
// modeled intent and must be preserved through execution.
type PlanResult struct {
	Actions []actuator.Action
	Usage   Usage
}

// LocalModel is the cheap surprise-detection tier. history carries up to
// the 10 most recent prior iterations' percept windows as context.
type LocalModel interface {
	DetectSurprises(ctx context.Context, sensed []percept.Percept, history [][]percept.Percept) (SurpriseResult, error)
}

// FrontierModel is the expensive planning tier. catalog lists the
// registered actuators the plan may address.
type FrontierModel interface {
	PlanActions(ctx context.Context, surprising []percept.Percept, catalog []actuator.Actuator) (PlanResult, error)
}
