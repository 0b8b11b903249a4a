// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import "sync"

// UsageRecord tracks token usage for a single LLM request within a run.
type UsageRecord struct {
	// RunID identifies the run that made this request.
	RunID string

	// StepKey is the step that made this request.
	StepKey string

	// Provider is the name of the provider that handled the request.
	Provider string

	// Model is the model ID used for the request.
	Model string

	// Usage contains token consumption information.
	Usage TokenUsage
}

// ModelUsage is the accumulated token usage for a single model.
type ModelUsage struct {
	Input  int
	Output int
	Total  int
}

// TokenUsageTracker accumulates token usage per model across the steps of
// a single run. It is owned by the caller driving that run (the pipeline
// executor); there is no package-level shared instance, so two runs never
// contend on the same tracker. It is separate from PipelineState's
// TotalTokens, which is summed from the per-step token counts in the
// event log.
type TokenUsageTracker struct {
	mu       sync.Mutex
	perModel map[string]ModelUsage
}

// NewTokenUsageTracker creates a tracker with no recorded usage.
func NewTokenUsageTracker() *TokenUsageTracker {
	return &TokenUsageTracker{
		perModel: make(map[string]ModelUsage),
	}
}

// Record folds a single request's usage into the running per-model totals.
func (t *TokenUsageTracker) Record(model string, usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := t.perModel[model]
	agg.Input += usage.InputTokens
	agg.Output += usage.OutputTokens
	agg.Total += usage.TotalTokens
	t.perModel[model] = agg
}

// PerModel returns a snapshot of the accumulated usage, keyed by model.
func (t *TokenUsageTracker) PerModel() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ModelUsage, len(t.perModel))
	for model, agg := range t.perModel {
		out[model] = agg
	}
	return out
}

// Total returns the grand total token count across all models.
func (t *TokenUsageTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, agg := range t.perModel {
		total += agg.Total
	}
	return total
}
