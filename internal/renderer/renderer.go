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

// Package renderer substitutes `{{ path }}` placeholders in a prompt
// template against a nested context. There is deliberately no
// expression language here: no conditionals, no loops, no pipe
// functions. A step's prompt is either plain text or it is invalid.
package renderer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

// Mode selects how missing variables are handled.
type Mode string

const (
	// ModeStrict fails the render on any missing variable.
	ModeStrict Mode = "strict"
	// ModePermissive substitutes the empty string for missing variables.
	ModePermissive Mode = "permissive"
	// ModePreview keeps the original `{{ path }}` text for missing
	// variables, for showing a template author what will and won't
	// resolve before a real run.
	ModePreview Mode = "preview"
)

// MissingVariableError describes a referenced path that does not
// resolve. In ModeStrict, Render returns a *ValidationError whose
// Message is this error's text for the first missing path.
type MissingVariableError struct {
	Path string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable: %s", e.Path)
}

// Result is the outcome of a single Render call.
type Result struct {
	RenderedText     string
	UsedVariables    []string
	MissingVariables []string
	Success          bool
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\[\]]+)\s*\}\}`)

// Render substitutes every `{{ path }}` in text against context (a
// nested map of inputs/steps/defaults/global, typically built by the
// pipeline executor from the current step's accumulated state).
func Render(text string, context map[string]any, mode Mode) (Result, error) {
	var missing []string
	seenUsed := make(map[string]bool)
	var used []string

	rendered := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholder.FindStringSubmatch(match)
		path := sub[1]

		value, ok := lookup(context, path)
		if !ok {
			missing = append(missing, path)
			switch mode {
			case ModePermissive:
				return ""
			case ModePreview:
				return match
			default:
				return match
			}
		}

		if !seenUsed[path] {
			seenUsed[path] = true
			used = append(used, path)
		}
		return renderScalar(value)
	})

	if len(missing) > 0 && mode == ModeStrict {
		return Result{}, &writeiterrors.ValidationError{
			Field:   "prompt_template",
			Message: (&MissingVariableError{Path: missing[0]}).Error(),
		}
	}

	return Result{
		RenderedText:     rendered,
		UsedVariables:    used,
		MissingVariables: missing,
		Success:          true,
	}, nil
}

// lookup resolves a dotted path like "steps.outline.responses[0]"
// against context. Bracket indices select into a slice.
func lookup(context map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = context

	for _, seg := range segments {
		name, index, hasIndex := splitIndex(seg)

		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[name]
		if !ok {
			return nil, false
		}
		current = v

		if hasIndex {
			slice, ok := current.([]any)
			if !ok {
				if strs, ok := current.([]string); ok {
					if index < 0 || index >= len(strs) {
						return nil, false
					}
					current = strs[index]
					continue
				}
				return nil, false
			}
			if index < 0 || index >= len(slice) {
				return nil, false
			}
			current = slice[index]
		}
	}
	return current, true
}

func splitIndex(segment string) (name string, index int, hasIndex bool) {
	open := strings.IndexByte(segment, '[')
	if open == -1 || !strings.HasSuffix(segment, "]") {
		return segment, 0, false
	}
	name = segment[:open]
	idxStr := segment[open+1 : len(segment)-1]
	n, err := strconv.Atoi(idxStr)
	if err != nil {
		return segment, 0, false
	}
	return name, n, true
}

// renderScalar converts a resolved value to its canonical textual form:
// booleans as true/false, numbers without trailing zeros, everything
// else via its natural string form.
func renderScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int32, int64:
		return fmt.Sprintf("%d", t)
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = renderScalar(item)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}
