package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"vigil/internal/actuator"
	"vigil/internal/logging"
	"vigil/internal/percept"
)

// =============================================================================
// GOOGLE GENAI MODEL CLIENT
// =============================================================================

// Default model names per tier. Flash-lite keeps the surprise check cheap;
// the frontier tier gets the full model.
const (
	DefaultLocalModel    = "gemini-2.5-flash-lite"
	DefaultFrontierModel = "gemini-2.5-pro"
)

// GeminiClient serves both inference tiers through Google's Gemini API.
// It implements LocalModel and FrontierModel.
type GeminiClient struct {
	client        *genai.Client
	localModel    string
	frontierModel string
	callTimeout   time.Duration
}

// NewGeminiClient creates a client for both tiers.
func NewGeminiClient(apiKey, localModel, frontierModel string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if localModel == "" {
		localModel = DefaultLocalModel
	}
	if frontierModel == "" {
		frontierModel = DefaultFrontierModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:        client,
		localModel:    localModel,
		frontierModel: frontierModel,
		callTimeout:   60 * time.Second,
	}, nil
}

// DetectSurprises implements LocalModel. The model receives the sensed
// window plus recent history and returns the indexes worth escalating.
func (c *GeminiClient) DetectSurprises(ctx context.Context, sensed []percept.Percept, history [][]percept.Percept) (SurpriseResult, error) {
	if len(sensed) == 0 {
		return SurpriseResult{}, nil
	}

	prompt := buildSurprisePrompt(sensed, history)
	text, usage, err := c.generateJSON(ctx, c.localModel, prompt)
	if err != nil {
		return SurpriseResult{}, fmt.Errorf("surprise detection failed: %w", err)
	}

	var parsed struct {
		Surprising []int `json:"surprising"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return SurpriseResult{}, fmt.Errorf("malformed surprise response: %w", err)
	}

	// Out-of-range indexes from the model are dropped, not fatal.
	var indexes []int
	for _, i := range parsed.Surprising {
		if i >= 0 && i < len(sensed) {
			indexes = append(indexes, i)
		}
	}

	logging.Model("gemini surprise check: %d/%d surprising (%d tokens)",
		len(indexes), len(sensed), usage.TotalTokens)
	return SurpriseResult{SurprisingIndexes: indexes, Usage: usage}, nil
}

// PlanActions implements FrontierModel.
func (c *GeminiClient) PlanActions(ctx context.Context, surprising []percept.Percept, catalog []actuator.Actuator) (PlanResult, error) {
	if len(surprising) == 0 {
		return PlanResult{}, nil
	}

	prompt := buildPlanPrompt(surprising, catalog)
	text, usage, err := c.generateJSON(ctx, c.frontierModel, prompt)
	if err != nil {
		return PlanResult{}, fmt.Errorf("action planning failed: %w", err)
	}

	var parsed struct {
		Actions []actuator.Action `json:"actions"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return PlanResult{}, fmt.Errorf("malformed plan response: %w", err)
	}

	// Actions addressed at unregistered actuators are dropped here rather
	// than burning a policy evaluation downstream.
	known := make(map[string]struct{}, len(catalog))
	for _, a := range catalog {
		known[a.Name] = struct{}{}
	}
	var actions []actuator.Action
	for _, a := range parsed.Actions {
		if _, ok := known[a.ActuatorName]; ok {
			actions = append(actions, a)
		}
	}

	logging.Model("gemini plan: %d actions from %d surprising percepts (%d tokens)",
		len(actions), len(surprising), usage.TotalTokens)
	return PlanResult{Actions: actions, Usage: usage}, nil
}

// generateJSON runs one generation call with a JSON response constraint and
// returns the raw text plus token usage.
func (c *GeminiClient) generateJSON(ctx context.Context, modelName, prompt string) (string, Usage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}

	resp, err := c.client.Models.GenerateContent(callCtx, modelName, contents, config)
	if err != nil {
		return "", Usage{}, err
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(resp.UsageMetadata.TotalTokenCount),
		}
	}

	text := resp.Text()
	if text == "" {
		return "", usage, fmt.Errorf("empty response from %s", modelName)
	}
	return text, usage, nil
}

func buildSurprisePrompt(sensed []percept.Percept, history [][]percept.Percept) string {
	var b strings.Builder
	b.WriteString("You monitor an autonomous agent's incoming observations. ")
	b.WriteString("Decide which of the new observations are surprising enough to investigate. ")
	b.WriteString("Routine, repeated, or expected observations are not surprising.\n\n")

	if len(history) > 0 {
		b.WriteString("Recent observation history (most recent first):\n")
		for _, window := range history {
			for _, p := range window {
				fmt.Fprintf(&b, "- [%s] %s\n", p.SensorName, p.Content)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("New observations (indexed):\n")
	for i, p := range sensed {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i, p.SensorName, p.Content)
	}

	b.WriteString("\nRespond with JSON: {\"surprising\": [<indexes of surprising observations>]}")
	return b.String()
}

func buildPlanPrompt(surprising []percept.Percept, catalog []actuator.Actuator) string {
	var b strings.Builder
	b.WriteString("You plan actions for an autonomous agent. ")
	b.WriteString("Given the surprising observations below, produce an ordered action plan. ")
	b.WriteString("Order matters and will be executed as given. An empty plan is valid.\n\n")

	b.WriteString("Available actuators:\n")
	for _, a := range catalog {
		fmt.Fprintf(&b, "- %s (kind=%s)", a.Name, a.Kind)
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Internal actuators support actions: %s\n\n", strings.Join(actuator.InternalActions(), ", "))

	b.WriteString("Surprising observations:\n")
	for _, p := range surprising {
		fmt.Fprintf(&b, "- [%s] %s\n", p.SensorName, p.Content)
	}

	b.WriteString("\nRespond with JSON: {\"actions\": [{\"actuator_name\": ..., \"name\": ..., \"args\": {...}}]}")
	return b.String()
}
