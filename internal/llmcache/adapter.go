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

package llmcache

import "github.com/nibzard/writeit/pkg/llm"

// FacadeAdapter adapts a *Cache to pkg/llm.ResponseCache so the LLM
// Client Facade can consult the two-tier cache without pkg/llm
// importing this internal package directly.
type FacadeAdapter struct {
	Cache *Cache
}

// Get implements pkg/llm.ResponseCache.
func (a FacadeAdapter) Get(prompt, model string, context map[string]any) (string, llm.TokenUsage, bool, error) {
	entry, hit, err := a.Cache.Get(prompt, model, context)
	if err != nil || !hit {
		return "", llm.TokenUsage{}, false, err
	}
	return entry.Response, toFacadeUsage(entry.TokensUsed), true, nil
}

// Put implements pkg/llm.ResponseCache.
func (a FacadeAdapter) Put(prompt, model string, context map[string]any, response string, usage llm.TokenUsage) error {
	_, err := a.Cache.Put(prompt, model, context, response, TokenUsage{
		Input:  usage.InputTokens,
		Output: usage.OutputTokens,
		Total:  usage.TotalTokens,
	})
	return err
}

func toFacadeUsage(u TokenUsage) llm.TokenUsage {
	return llm.TokenUsage{
		InputTokens:  u.Input,
		OutputTokens: u.Output,
		TotalTokens:  u.Total,
	}
}
