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
	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML-compatible template document into a
// PipelineTemplate. inputs and steps are YAML mappings on
// the wire for readability, but their declaration order matters for UI
// rendering, so this walks the raw yaml.Node tree for those two keys
// instead of decoding straight into a Go map (plain map decoding would
// discard key order).
func Parse(id string, data []byte) (*PipelineTemplate, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &writeiterrors.ValidationError{Field: "template", Message: fmt.Sprintf("invalid YAML: %s", err)}
	}
	if len(doc.Content) == 0 {
		return nil, &writeiterrors.ValidationError{Field: "template", Message: "empty document"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &writeiterrors.ValidationError{Field: "template", Message: "top-level document must be a mapping"}
	}

	tmpl := &PipelineTemplate{ID: id}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val := root.Content[i+1]

		switch key {
		case "metadata":
			if err := val.Decode(&tmpl.Metadata); err != nil {
				return nil, &writeiterrors.ValidationError{Field: "metadata", Message: err.Error()}
			}
		case "defaults":
			if err := val.Decode(&tmpl.Defaults); err != nil {
				return nil, &writeiterrors.ValidationError{Field: "defaults", Message: err.Error()}
			}
		case "inputs":
			inputs, err := decodeInputs(val)
			if err != nil {
				return nil, err
			}
			tmpl.Inputs = inputs
		case "steps":
			steps, err := decodeSteps(val)
			if err != nil {
				return nil, err
			}
			tmpl.Steps = steps
		}
	}

	return tmpl, nil
}

func decodeInputs(node *yaml.Node) ([]InputSpec, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &writeiterrors.ValidationError{Field: "inputs", Message: "must be a mapping of input key to spec"}
	}
	inputs := make([]InputSpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var spec InputSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return nil, &writeiterrors.ValidationError{Field: fmt.Sprintf("inputs.%s", key), Message: err.Error()}
		}
		spec.Key = key
		inputs = append(inputs, spec)
	}
	return inputs, nil
}

func decodeSteps(node *yaml.Node) ([]StepSpec, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &writeiterrors.ValidationError{Field: "steps", Message: "must be a mapping of step key to spec"}
	}
	steps := make([]StepSpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var spec StepSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return nil, &writeiterrors.ValidationError{Field: fmt.Sprintf("steps.%s", key), Message: err.Error()}
		}
		spec.Key = key
		steps = append(steps, spec)
	}
	return steps, nil
}
