package llm

// ModelTier represents performance/cost trade-offs for model selection.
// A pipeline step's model_preference can name a tier instead of a
// concrete model ID, leaving the actual mapping to workspace
// configuration.
type ModelTier string

const (
	// ModelTierFast prioritizes speed and cost-efficiency.
	// Best for simple tasks, high-volume requests, or quick responses.
	ModelTierFast ModelTier = "fast"

	// ModelTierBalanced offers a balance between capability and cost.
	// Best for most general-purpose tasks requiring reasoning.
	ModelTierBalanced ModelTier = "balanced"

	// ModelTierStrategic provides maximum capability for complex reasoning.
	// Best for difficult tasks requiring deep analysis or expert knowledge.
	ModelTierStrategic ModelTier = "strategic"
)

// ModelInfo describes a specific model a Provider exposes through its
// Capabilities.
type ModelInfo struct {
	// ID is the provider-specific model identifier (e.g., "claude-3-opus-20240229").
	ID string

	// Name is the human-readable model name (e.g., "Claude 3 Opus").
	Name string

	// Tier indicates the performance/cost category.
	Tier ModelTier

	// MaxTokens is the maximum context window size in tokens.
	MaxTokens int

	// MaxOutputTokens is the maximum tokens the model can generate in one response.
	// If 0, uses provider default or MaxTokens.
	MaxOutputTokens int

	// Description provides additional context about the model's strengths.
	Description string
}

// GetModelByTier returns the first model matching the specified tier.
// Returns nil if no model matches the tier.
func GetModelByTier(models []ModelInfo, tier ModelTier) *ModelInfo {
	for i := range models {
		if models[i].Tier == tier {
			return &models[i]
		}
	}
	return nil
}

// GetModelByID returns the model with the specified ID.
// Returns nil if no model matches the ID.
func GetModelByID(models []ModelInfo, id string) *ModelInfo {
	for i := range models {
		if models[i].ID == id {
			return &models[i]
		}
	}
	return nil
}
