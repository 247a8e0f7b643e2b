package model

import (
	"context"
	"fmt"
	"strings"

	"vigil/internal/actuator"
	"vigil/internal/logging"
	"vigil/internal/percept"
)

// approximate chars-per-token, for rule-tier accounting.
const charsPerToken = 4

func estimateTokens(texts ...string) int64 {
	total := 0
	for _, t := range texts {
		total += len(t)
	}
	return int64(total/charsPerToken) + 1
}

// ============================================================================
// Rule-based local model
// ============================================================================

// KeywordLocalModel flags percepts whose content contains any configured
// keyword, or whose content is novel relative to the history window. It is
// the offline default and the deterministic test backend.
type KeywordLocalModel struct {
	// Keywords match case-insensitively against percept content.
	Keywords []string
	// NoveltyDetection additionally flags content never seen in history.
	NoveltyDetection bool
}

// NewKeywordLocalModel creates a keyword matcher over the given terms.
func NewKeywordLocalModel(keywords ...string) *KeywordLocalModel {
	return &KeywordLocalModel{Keywords: keywords}
}

// DetectSurprises implements LocalModel.
func (m *KeywordLocalModel) DetectSurprises(ctx context.Context, sensed []percept.Percept, history [][]percept.Percept) (SurpriseResult, error) {
	if err := ctx.Err(); err != nil {
		return SurpriseResult{}, err
	}

	seen := make(map[string]struct{})
	if m.NoveltyDetection {
		for _, window := range history {
			for _, p := range window {
				seen[p.Content] = struct{}{}
			}
		}
	}

	var result SurpriseResult
	var prompt []string
	for i, p := range sensed {
		prompt = append(prompt, p.Content)
		if m.matches(p.Content) {
			result.SurprisingIndexes = append(result.SurprisingIndexes, i)
			continue
		}
		if m.NoveltyDetection {
			if _, ok := seen[p.Content]; !ok {
				result.SurprisingIndexes = append(result.SurprisingIndexes, i)
			}
		}
	}

	tokens := estimateTokens(prompt...)
	result.Usage = Usage{PromptTokens: tokens, TotalTokens: tokens}

	logging.ModelDebug("keyword local model: %d/%d surprising", len(result.SurprisingIndexes), len(sensed))
	return result, nil
}

func (m *KeywordLocalModel) matches(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range m.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ============================================================================
// Rule-based frontier model
// ============================================================================

// EchoPlanner plans one chat action per surprising percept, addressed at a
// fixed actuator. Offline default; real planning goes through Gemini.
type EchoPlanner struct {
	// ActuatorName receives the chat actions. It must exist in the catalog
	// or the plan is empty.
	ActuatorName string
}

// NewEchoPlanner creates a planner targeting the named actuator.
func NewEchoPlanner(actuatorName string) *EchoPlanner {
	return &EchoPlanner{ActuatorName: actuatorName}
}

// PlanActions implements FrontierModel.
func (m *EchoPlanner) PlanActions(ctx context.Context, surprising []percept.Percept, catalog []actuator.Actuator) (PlanResult, error) {
	if err := ctx.Err(); err != nil {
		return PlanResult{}, err
	}

	registered := false
	for _, a := range catalog {
		if a.Name == m.ActuatorName {
			registered = true
			break
		}
	}
	if !registered {
		logging.Model("echo planner: actuator %q not in catalog, planning nothing", m.ActuatorName)
		return PlanResult{}, nil
	}

	var result PlanResult
	var prompt []string
	for _, p := range surprising {
		prompt = append(prompt, p.Content)
		result.Actions = append(result.Actions, actuator.Action{
			ActuatorName: m.ActuatorName,
			Name:         "chat",
			Args: map[string]any{
				"message": fmt.Sprintf("noticed via %s: %s", p.SensorName, p.Content),
			},
		})
	}

	tokens := estimateTokens(prompt...)
	result.Usage = Usage{PromptTokens: tokens, TotalTokens: tokens}
	return result, nil
}
