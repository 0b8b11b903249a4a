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

// Package template parses pipeline template documents (YAML-compatible,
// per the external interface) and validates their structural and
// semantic invariants. Inputs and steps are modeled as ordered slices
// with an embedded key field rather than maps, so declaration order
// survives a YAML round-trip; Parse fills them by walking the yaml.Node
// tree.
package template

// InputType is the declared type of a pipeline input.
type InputType string

const (
	InputTypeText   InputType = "text"
	InputTypeChoice InputType = "choice"
)

// InputSpec describes one declared pipeline input.
type InputSpec struct {
	Key         string      `yaml:"-" json:"key"`
	Type        InputType   `yaml:"type" json:"type"`
	Label       string      `yaml:"label" json:"label"`
	Required    bool        `yaml:"required" json:"required"`
	Default     any         `yaml:"default,omitempty" json:"default,omitempty"`
	Options     []string    `yaml:"options,omitempty" json:"options,omitempty"`
	MaxLength   int         `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Help        string      `yaml:"help,omitempty" json:"help,omitempty"`
	Placeholder string      `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
}

// StepType is the declared kind of work a step performs.
type StepType string

const (
	StepTypeLLMGenerate  StepType = "llm_generate"
	StepTypeLLMRefine    StepType = "llm_refine"
	StepTypeUserSelect   StepType = "user_selection"
	StepTypeTransform    StepType = "transform"
)

// StepSpec describes one declared pipeline step.
type StepSpec struct {
	Key             string   `yaml:"-" json:"key"`
	Name            string   `yaml:"name" json:"name"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type            StepType `yaml:"type" json:"type"`
	PromptTemplate  string   `yaml:"prompt_template" json:"prompt_template"`
	ModelPreference []string `yaml:"model_preference,omitempty" json:"model_preference,omitempty"`
	DependsOn       []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ResponseFormat  string   `yaml:"response_format,omitempty" json:"response_format,omitempty"`
	UserFeedback    bool     `yaml:"user_feedback,omitempty" json:"user_feedback,omitempty"`
	MaxRetries      int      `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Metadata is the template document's descriptive header.
type Metadata struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string   `yaml:"version,omitempty" json:"version,omitempty"`
	Author      string   `yaml:"author,omitempty" json:"author,omitempty"`
	Created     string   `yaml:"created,omitempty" json:"created,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// PipelineTemplate is the immutable parsed template document.
type PipelineTemplate struct {
	ID       string         `yaml:"id" json:"id"`
	Metadata Metadata       `yaml:"metadata" json:"metadata"`
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Inputs   []InputSpec    `yaml:"-" json:"inputs"`
	Steps    []StepSpec     `yaml:"-" json:"steps"`
}

// StepByKey returns the step with the given key, or nil.
func (t *PipelineTemplate) StepByKey(key string) *StepSpec {
	for i := range t.Steps {
		if t.Steps[i].Key == key {
			return &t.Steps[i]
		}
	}
	return nil
}

// InputByKey returns the input with the given key, or nil.
func (t *PipelineTemplate) InputByKey(key string) *InputSpec {
	for i := range t.Inputs {
		if t.Inputs[i].Key == key {
			return &t.Inputs[i]
		}
	}
	return nil
}

// DependsOnMap returns a fresh map of step key to its declared
// dependencies, for handing to the event store's run_created payload or
// to PipelineState.NextReadySteps callers.
func (t *PipelineTemplate) DependsOnMap() map[string][]string {
	out := make(map[string][]string, len(t.Steps))
	for _, s := range t.Steps {
		out[s.Key] = append([]string(nil), s.DependsOn...)
	}
	return out
}

// MaxRetriesMap returns a fresh map of step key to its configured
// max_retries, defaulting missing/zero entries to DefaultMaxRetries.
func (t *PipelineTemplate) MaxRetriesMap() map[string]int {
	out := make(map[string]int, len(t.Steps))
	for _, s := range t.Steps {
		n := s.MaxRetries
		if n == 0 {
			n = DefaultMaxRetries
		}
		out[s.Key] = n
	}
	return out
}

// StepKeysInOrder returns the declared step keys in template order.
func (t *PipelineTemplate) StepKeysInOrder() []string {
	keys := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		keys[i] = s.Key
	}
	return keys
}

// DefaultMaxRetries is applied to a step that doesn't declare its own.
const DefaultMaxRetries = 3

// MaxSteps is the default per-template step ceiling (spec invariant e)).
const MaxSteps = 50

// MaxPromptChars triggers the LONG_TEMPLATE warning.
const MaxPromptChars = 10000
