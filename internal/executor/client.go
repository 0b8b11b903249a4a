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

package executor

import (
	"context"

	"github.com/nibzard/writeit/pkg/llm"
)

// LLMClient is the narrow boundary the Pipeline Executor needs toward a
// language model: complete a rendered prompt, and resolve a step's
// model_preference list to a concrete model id. *llm.Facade satisfies
// this directly: caching, retry, and provider resolution all happen
// on the other side of this interface, invisible to the executor.
type LLMClient interface {
	Complete(ctx context.Context, prompt, model string, llmContext map[string]any) (string, llm.TokenUsage, error)
	SelectModel(preferences []string, defaults map[string]any) (string, error)
}
