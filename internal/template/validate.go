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

package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity classifies a ValidationIssue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Code identifies a validation rule, for UI mapping.
type Code string

const (
	CodeEmptyPipeline       Code = "EMPTY_PIPELINE"
	CodeTooManySteps        Code = "TOO_MANY_STEPS"
	CodeMissingDependency   Code = "MISSING_DEPENDENCY"
	CodeCircularDependency  Code = "CIRCULAR_DEPENDENCY"
	CodeUnusedInput         Code = "UNUSED_INPUT"
	CodeUndefinedVariable   Code = "UNDEFINED_VARIABLE"
	CodeLongTemplate        Code = "LONG_TEMPLATE"
	CodeSecurityPattern     Code = "SECURITY_PATTERN"
	CodeNoLLMSteps          Code = "NO_LLM_STEPS"
	CodeInsufficientOptions Code = "INSUFFICIENT_OPTIONS"
	CodeTooManyOptions      Code = "TOO_MANY_OPTIONS"
)

// ValidationIssue is one finding from the validator.
type ValidationIssue struct {
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Location   string   `json:"location"`
	Suggestion string   `json:"suggestion,omitempty"`
	Code       Code     `json:"code"`
}

// ValidationResult is the validator's output: IsValid is false iff at
// least one issue has Severity error or critical.
type ValidationResult struct {
	IsValid bool               `json:"is_valid"`
	Issues  []ValidationIssue  `json:"issues"`
}

func (r *ValidationResult) add(issue ValidationIssue) {
	r.Issues = append(r.Issues, issue)
	if issue.Severity == SeverityError || issue.Severity == SeverityCritical {
		r.IsValid = false
	}
}

// securityDenyPattern is one phrase/regex a prompt is checked against for
// the SECURITY_PATTERN warning: credential leakage and known
// prompt-injection trigger phrases embedded directly in a template.
type securityDenyPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// securityDenyList mirrors the credential-leak heuristics a template
// author might accidentally embed instead of routing through inputs,
// plus common prompt-injection trigger phrases.
var securityDenyList = []securityDenyPattern{
	{"GitHub Token", regexp.MustCompile(`\b(ghp_|gho_|ghu_|ghs_|ghr_)[a-zA-Z0-9]{36,}\b`)},
	{"Anthropic API Key", regexp.MustCompile(`\bsk-ant-[a-zA-Z0-9-]{95,}\b`)},
	{"OpenAI API Key", regexp.MustCompile(`\bsk-[a-zA-Z0-9]{20,}\b`)},
	{"AWS Access Key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"Generic API key assignment", regexp.MustCompile(`(?i)\b(api_key|password|secret)\s*[:=]\s*['"][^'"]+['"]`)},
	{"Private key header", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"Ignore previous instructions", regexp.MustCompile(`(?i)ignore (all )?previous instructions`)},
}

var variableRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\[\]]+)\s*\}\}`)

// ExtractVariables returns the distinct dotted paths referenced as
// `{{ path }}` in text, in first-seen order.
func ExtractVariables(text string) []string {
	matches := variableRef.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		path := m[1]
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

// Validate runs every structural and semantic rule over tmpl.
func Validate(tmpl *PipelineTemplate) ValidationResult {
	result := ValidationResult{IsValid: true}

	if len(tmpl.Steps) == 0 {
		result.add(ValidationIssue{
			Severity: SeverityError,
			Message:  "template has no steps",
			Location: "steps",
			Code:     CodeEmptyPipeline,
		})
		return result
	}

	if len(tmpl.Steps) > MaxSteps {
		result.add(ValidationIssue{
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("template has %d steps, more than the recommended %d", len(tmpl.Steps), MaxSteps),
			Location:   "steps",
			Suggestion: "split this pipeline into smaller templates",
			Code:       CodeTooManySteps,
		})
	}

	stepKeys := make(map[string]bool, len(tmpl.Steps))
	hasLLMStep := false
	for _, s := range tmpl.Steps {
		stepKeys[s.Key] = true
		if s.Type == StepTypeLLMGenerate || s.Type == StepTypeLLMRefine {
			hasLLMStep = true
		}
	}
	if !hasLLMStep {
		result.add(ValidationIssue{
			Severity: SeverityWarning,
			Message:  "pipeline has no llm_generate or llm_refine steps",
			Location: "steps",
			Code:     CodeNoLLMSteps,
		})
	}

	for _, s := range tmpl.Steps {
		for _, dep := range s.DependsOn {
			if !stepKeys[dep] {
				result.add(ValidationIssue{
					Severity:   SeverityError,
					Message:    fmt.Sprintf("step %q depends on undeclared step %q", s.Key, dep),
					Location:   fmt.Sprintf("steps.%s.depends_on", s.Key),
					Suggestion: "remove the dependency or declare the missing step",
					Code:       CodeMissingDependency,
				})
			}
		}
	}

	if cyclePath, ok := findCycle(tmpl); ok {
		result.add(ValidationIssue{
			Severity:   SeverityError,
			Message:    fmt.Sprintf("dependency cycle detected: %s", strings.Join(cyclePath, " -> ")),
			Location:   "steps",
			Suggestion: "break the cycle by removing one of the listed dependencies",
			Code:       CodeCircularDependency,
		})
		// A cycle makes the transitive-closure variable check below
		// meaningless (it would never terminate); stop here.
		return result
	}

	usedInputs := make(map[string]bool, len(tmpl.Inputs))
	closures := transitiveClosures(tmpl)

	for _, s := range tmpl.Steps {
		if len(s.PromptTemplate) > MaxPromptChars {
			result.add(ValidationIssue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("prompt_template for step %q is %d characters, over the %d soft limit", s.Key, len(s.PromptTemplate), MaxPromptChars),
				Location: fmt.Sprintf("steps.%s.prompt_template", s.Key),
				Code:     CodeLongTemplate,
			})
		}

		for _, pattern := range securityDenyList {
			if pattern.Pattern.MatchString(s.PromptTemplate) {
				result.add(ValidationIssue{
					Severity:   SeverityWarning,
					Message:    fmt.Sprintf("step %q prompt_template matches %s", s.Key, pattern.Name),
					Location:   fmt.Sprintf("steps.%s.prompt_template", s.Key),
					Suggestion: "move secrets to inputs/defaults and avoid embedding instruction-override phrases",
					Code:       CodeSecurityPattern,
				})
			}
		}

		reachable := closures[s.Key]
		for _, ref := range ExtractVariables(s.PromptTemplate) {
			segments := strings.Split(ref, ".")
			root := segments[0]

			switch root {
			case "inputs":
				if len(segments) < 2 || tmpl.InputByKey(segments[1]) == nil {
					result.add(undefinedVariable(s.Key, ref, "not a declared input"))
					continue
				}
				usedInputs[segments[1]] = true
			case "steps":
				if len(segments) < 2 {
					result.add(undefinedVariable(s.Key, ref, "missing step key"))
					continue
				}
				target := strings.SplitN(segments[1], "[", 2)[0]
				if !stepKeys[target] {
					result.add(undefinedVariable(s.Key, ref, fmt.Sprintf("step %q does not exist", target)))
					continue
				}
				if !reachable[target] {
					result.add(undefinedVariable(s.Key, ref, fmt.Sprintf("step %q is not a (transitive) dependency of %q", target, s.Key)))
				}
			case "defaults":
				if !resolvesIn(tmpl.Defaults, segments[1:]) {
					result.add(undefinedVariable(s.Key, ref, "not found under defaults"))
				}
			case "global":
				// global is a caller-supplied namespace outside the
				// template document; its contents can't be checked
				// here, so any global.* reference is accepted.
			default:
				result.add(undefinedVariable(s.Key, ref, "must start with inputs, steps, defaults, or global"))
			}
		}
	}

	for _, in := range tmpl.Inputs {
		if !usedInputs[in.Key] {
			result.add(ValidationIssue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("input %q is declared but never referenced by a step", in.Key),
				Location: fmt.Sprintf("inputs.%s", in.Key),
				Code:     CodeUnusedInput,
			})
		}
		if in.Type == InputTypeChoice {
			switch {
			case len(in.Options) < 2:
				result.add(ValidationIssue{
					Severity:   SeverityError,
					Message:    fmt.Sprintf("choice input %q needs at least 2 options, has %d", in.Key, len(in.Options)),
					Location:   fmt.Sprintf("inputs.%s.options", in.Key),
					Suggestion: "add more options or change the input type to text",
					Code:       CodeInsufficientOptions,
				})
			case len(in.Options) > 20:
				result.add(ValidationIssue{
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("choice input %q has %d options, consider trimming the list", in.Key, len(in.Options)),
					Location: fmt.Sprintf("inputs.%s.options", in.Key),
					Code:     CodeTooManyOptions,
				})
			}
		}
	}

	return result
}

func undefinedVariable(stepKey, ref, reason string) ValidationIssue {
	return ValidationIssue{
		Severity:   SeverityError,
		Message:    fmt.Sprintf("{{ %s }} in step %q does not resolve: %s", ref, stepKey, reason),
		Location:   fmt.Sprintf("steps.%s.prompt_template", stepKey),
		Suggestion: "reference inputs.<name>, steps.<dependency>, defaults.<path>, or global.<path>",
		Code:       CodeUndefinedVariable,
	}
}

func resolvesIn(tree map[string]any, segments []string) bool {
	var cur any = tree
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		v, ok := m[seg]
		if !ok {
			return false
		}
		cur = v
	}
	return true
}

// findCycle runs a DFS over the depends_on graph, returning the first
// cycle found as a path of step keys.
func findCycle(tmpl *PipelineTemplate) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tmpl.Steps))
	var path []string

	var visit func(key string) ([]string, bool)
	visit = func(key string) ([]string, bool) {
		color[key] = gray
		path = append(path, key)

		step := tmpl.StepByKey(key)
		if step != nil {
			for _, dep := range step.DependsOn {
				switch color[dep] {
				case white:
					if cyclePath, found := visit(dep); found {
						return cyclePath, true
					}
				case gray:
					cycleStart := 0
					for i, k := range path {
						if k == dep {
							cycleStart = i
							break
						}
					}
					cycle := append([]string(nil), path[cycleStart:]...)
					cycle = append(cycle, dep)
					return cycle, true
				}
			}
		}

		path = path[:len(path)-1]
		color[key] = black
		return nil, false
	}

	for _, s := range tmpl.Steps {
		if color[s.Key] == white {
			if cyclePath, found := visit(s.Key); found {
				return cyclePath, true
			}
		}
	}
	return nil, false
}

// transitiveClosures returns, for every step key, the set of step keys
// reachable by following depends_on edges (its transitive dependencies).
// Assumes the graph is acyclic; callers must run findCycle first.
func transitiveClosures(tmpl *PipelineTemplate) map[string]map[string]bool {
	memo := make(map[string]map[string]bool, len(tmpl.Steps))

	var closure func(key string) map[string]bool
	closure = func(key string) map[string]bool {
		if c, ok := memo[key]; ok {
			return c
		}
		set := make(map[string]bool)
		memo[key] = set // break cycles defensively even though findCycle should have caught them

		step := tmpl.StepByKey(key)
		if step != nil {
			for _, dep := range step.DependsOn {
				set[dep] = true
				for k := range closure(dep) {
					set[k] = true
				}
			}
		}
		return set
	}

	out := make(map[string]map[string]bool, len(tmpl.Steps))
	for _, s := range tmpl.Steps {
		out[s.Key] = closure(s.Key)
	}
	return out
}
