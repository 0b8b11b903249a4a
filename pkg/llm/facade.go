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

import (
	"context"
	"strings"
	"time"

	pkgerrors "github.com/nibzard/writeit/pkg/errors"
	"golang.org/x/time/rate"
)

// ResponseCache is the narrow interface the Facade needs from a response
// cache. internal/llmcache.Cache satisfies it through a thin adapter so
// this package keeps its original embeddable-elsewhere shape and never
// imports an internal package directly.
type ResponseCache interface {
	Get(prompt, model string, context map[string]any) (response string, usage TokenUsage, hit bool, err error)
	Put(prompt, model string, context map[string]any, response string, usage TokenUsage) error
}

// Facade is the single entry point pipeline steps use to talk to LLM
// providers: complete, stream, select_model. It resolves a model
// identifier to a registered Provider, failing over across every other
// registered provider on a retryable error, wraps the result in the
// registry's retry policy, and transparently consults a ResponseCache.
type Facade struct {
	registry *Registry
	cache    ResponseCache
	retry    RetryConfig
	limiter  *rate.Limiter

	// breaker is shared across every resolveProvider call so a
	// provider's consecutive-failure count persists between requests
	// instead of resetting each time a FailoverProvider is built.
	breaker *circuitBreaker
}

// NewFacade builds a Facade over registry. cache may be nil, in which
// case every call reaches the provider directly.
func NewFacade(registry *Registry, cache ResponseCache, retry RetryConfig) *Facade {
	if retry.RetryableErrors == nil {
		retry.RetryableErrors = isRetryableError
	}
	return &Facade{
		registry: registry,
		cache:    cache,
		retry:    retry,
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}
}

// WithRateLimit caps outbound provider calls across this Facade to
// ratePerSecond sustained, bursting up to burst; each outbound Complete
// or Stream call waits on the limiter. A Facade with no limiter
// configured is unthrottled.
func (f *Facade) WithRateLimit(ratePerSecond float64, burst int) *Facade {
	f.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	return f
}

func (f *Facade) wait(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Wait(ctx)
}

// resolveProvider picks the provider for model, failing over across the
// registry's other registered providers when more than one is
// available. With a configured SetFailoverOrder that order is used
// (model bubbled to the front); otherwise the registry's full provider
// list stands in for it. A single-provider registry skips the failover
// machinery entirely and behaves exactly as a direct Get/GetDefault
// lookup.
func (f *Facade) resolveProvider(model string) (Provider, error) {
	order := f.registry.GetFailoverOrder()
	if len(order) == 0 {
		order = f.registry.List()
	}
	if len(order) < 2 {
		if p, err := f.registry.Get(model); err == nil {
			return p, nil
		}
		return f.registry.GetDefault()
	}

	fp, err := f.registry.CreateFailover(FailoverConfig{}, bubbleToFront(model, order)...)
	if err != nil {
		return nil, err
	}
	fp.circuitBreaker = f.breaker
	return fp, nil
}

// bubbleToFront moves preferred to the head of names, leaving the
// relative order of everything else unchanged. If preferred isn't in
// names, names is returned as-is.
func bubbleToFront(preferred string, names []string) []string {
	order := make([]string, 0, len(names))
	for _, n := range names {
		if n == preferred {
			order = append(order, n)
		}
	}
	for _, n := range names {
		if n != preferred {
			order = append(order, n)
		}
	}
	return order
}

// Complete returns the full response text and token usage for prompt
// against model. A cache hit short-circuits the provider call entirely.
func (f *Facade) Complete(ctx context.Context, prompt, model string, llmContext map[string]any) (string, TokenUsage, error) {
	if f.cache != nil {
		if resp, usage, hit, err := f.cache.Get(prompt, model, llmContext); err == nil && hit {
			return resp, usage, nil
		}
	}

	provider, err := f.resolveProvider(model)
	if err != nil {
		return "", TokenUsage{}, err
	}

	if err := f.wait(ctx); err != nil {
		return "", TokenUsage{}, err
	}

	req := CompletionRequest{
		Messages: []Message{{Role: MessageRoleUser, Content: prompt}},
		Model:    model,
	}

	wrapped := NewRetryableProvider(provider, f.retry)
	resp, err := wrapped.Complete(ctx, req)
	if err != nil {
		return "", TokenUsage{}, err
	}

	if f.cache != nil {
		_ = f.cache.Put(prompt, model, llmContext, resp.Content, resp.Usage)
	}
	return resp.Content, resp.Usage, nil
}

// Stream yields response chunks as they arrive. It bypasses the
// read-cache entirely and, once the upstream channel closes cleanly,
// writes the concatenated response to the cache.
func (f *Facade) Stream(ctx context.Context, prompt, model string, llmContext map[string]any) (<-chan StreamChunk, error) {
	provider, err := f.resolveProvider(model)
	if err != nil {
		return nil, err
	}

	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	req := CompletionRequest{
		Messages: []Message{{Role: MessageRoleUser, Content: prompt}},
		Model:    model,
	}

	wrapped := NewRetryableProvider(provider, f.retry)
	upstream, err := wrapped.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var full strings.Builder
		var usage TokenUsage
		streamErr := false
		for chunk := range upstream {
			full.WriteString(chunk.Delta.Content)
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Error != nil {
				streamErr = true
			}
			out <- chunk
		}
		if !streamErr && f.cache != nil {
			_ = f.cache.Put(prompt, model, llmContext, full.String(), usage)
		}
	}()
	return out, nil
}

// SelectModel picks the first preference, substituting any
// {{ defaults.X.Y }} placeholder it contains against defaults. This is
// deliberately a bare path lookup, not a general template language: no
// preference string in practice needs more than one substitution.
func (f *Facade) SelectModel(preferences []string, defaults map[string]any) (string, error) {
	if len(preferences) == 0 {
		return "", &pkgerrors.ValidationError{
			Field:   "preferences",
			Message: "select_model requires at least one preference",
		}
	}
	return substituteDefaultsRef(preferences[0], defaults), nil
}

// substituteDefaultsRef resolves a single "{{ defaults.a.b }}"
// reference embedded anywhere in s against defaults. References that
// don't resolve are left untouched so callers can surface the original
// preference string in an error rather than silently emitting "".
func substituteDefaultsRef(s string, defaults map[string]any) string {
	start := strings.Index(s, "{{")
	if start == -1 {
		return s
	}
	end := strings.Index(s[start:], "}}")
	if end == -1 {
		return s
	}
	end += start

	inner := strings.TrimSpace(s[start+2 : end])
	const prefix = "defaults."
	if !strings.HasPrefix(inner, prefix) {
		return s
	}

	parts := splitDefaultsPath(strings.TrimPrefix(inner, prefix))
	var current any = map[string]any(defaults)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return s
		}
		val, ok := m[part]
		if !ok {
			return s
		}
		current = val
	}

	resolved, ok := current.(string)
	if !ok {
		return s
	}
	return s[:start] + resolved + s[end+2:]
}

func splitDefaultsPath(path string) []string {
	var parts []string
	var current strings.Builder
	for _, r := range path {
		if r == '.' {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
