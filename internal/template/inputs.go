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

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

// ValidateInputs checks a run-time user-value map against tmpl's
// declared InputSpecs: required values present, choice values in
// options, string lengths within max_length. It does not mutate values;
// defaults are applied by the caller before invoking this (or rely on
// FillDefaults below).
func ValidateInputs(tmpl *PipelineTemplate, values map[string]any) error {
	for _, spec := range tmpl.Inputs {
		v, present := values[spec.Key]
		if !present || v == nil {
			if spec.Required && spec.Default == nil {
				return &writeiterrors.ValidationError{
					Field:      spec.Key,
					Message:    "required input is missing",
					Suggestion: fmt.Sprintf("provide a value for %q", spec.Key),
				}
			}
			continue
		}

		str, isString := v.(string)

		switch spec.Type {
		case InputTypeChoice:
			if !isString {
				return &writeiterrors.ValidationError{Field: spec.Key, Message: "choice input must be a string"}
			}
			if !contains(spec.Options, str) {
				return &writeiterrors.ValidationError{
					Field:      spec.Key,
					Message:    fmt.Sprintf("value %q is not one of the declared options", str),
					Suggestion: fmt.Sprintf("choose one of: %v", spec.Options),
				}
			}
		case InputTypeText:
			if !isString {
				return &writeiterrors.ValidationError{Field: spec.Key, Message: "text input must be a string"}
			}
			if spec.MaxLength > 0 && len(str) > spec.MaxLength {
				return &writeiterrors.ValidationError{
					Field:   spec.Key,
					Message: fmt.Sprintf("value is %d characters, over the %d limit", len(str), spec.MaxLength),
				}
			}
		}
	}
	return nil
}

// FillDefaults returns a copy of values with any missing declared input
// filled in from its Default.
func FillDefaults(tmpl *PipelineTemplate, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, spec := range tmpl.Inputs {
		if _, ok := out[spec.Key]; !ok && spec.Default != nil {
			out[spec.Key] = spec.Default
		}
	}
	return out
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}
