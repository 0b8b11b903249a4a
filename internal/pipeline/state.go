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

package pipeline

import "time"

// RunStatus is the run-level lifecycle state.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether a run in this status can accept no further
// events.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is a single step's lifecycle state.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// StepExecution is the run-time record of one step's attempts.
type StepExecution struct {
	StepKey           string            `json:"step_key"`
	Status            StepStatus        `json:"status"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	DependsOn         []string          `json:"depends_on"`
	Inputs            map[string]any    `json:"inputs,omitempty"`
	Responses         []string          `json:"responses,omitempty"`
	SelectedResponse  *string           `json:"selected_response,omitempty"`
	UserFeedback      *string           `json:"user_feedback,omitempty"`
	TokensUsed        map[string]int    `json:"tokens_used,omitempty"`
	ExecutionTimeSecs float64           `json:"execution_time_secs,omitempty"`
	Error             string            `json:"error,omitempty"`
	FailureReason     StepFailureReason `json:"failure_reason,omitempty"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
}

func (s StepExecution) clone() StepExecution {
	c := s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Inputs != nil {
		c.Inputs = make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			c.Inputs[k] = v
		}
	}
	c.Responses = append([]string(nil), s.Responses...)
	if s.TokensUsed != nil {
		c.TokensUsed = make(map[string]int, len(s.TokensUsed))
		for k, v := range s.TokensUsed {
			c.TokensUsed[k] = v
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.SelectedResponse != nil {
		v := *s.SelectedResponse
		c.SelectedResponse = &v
	}
	if s.UserFeedback != nil {
		v := *s.UserFeedback
		c.UserFeedback = &v
	}
	return c
}

// Run is the run-level record mutated only through events.
type Run struct {
	ID          string            `json:"id"`
	TemplateID  string            `json:"template_id"`
	Workspace   string            `json:"workspace"`
	Inputs      map[string]any    `json:"inputs"`
	Status      RunStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Steps       []StepExecution   `json:"steps"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (r Run) clone() Run {
	c := r
	if r.Inputs != nil {
		c.Inputs = make(map[string]any, len(r.Inputs))
		for k, v := range r.Inputs {
			c.Inputs[k] = v
		}
	}
	c.Steps = make([]StepExecution, len(r.Steps))
	for i, s := range r.Steps {
		c.Steps[i] = s.clone()
	}
	if r.Outputs != nil {
		c.Outputs = make(map[string]string, len(r.Outputs))
		for k, v := range r.Outputs {
			c.Outputs[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// StepByKey returns a pointer into r.Steps for in-place mutation, or nil.
func (r *Run) StepByKey(key string) *StepExecution {
	for i := range r.Steps {
		if r.Steps[i].StepKey == key {
			return &r.Steps[i]
		}
	}
	return nil
}

// PipelineState is produced only by the Event Store's fold; the core
// exposes it read-only. It is never mutated in place: Copy returns a new
// state with an incremented version, parented at the one it was derived
// from.
type PipelineState struct {
	Run           Run       `json:"run"`
	Version       int       `json:"version"`
	BranchID      string    `json:"branch_id"`
	ParentVersion *int      `json:"parent_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Copy returns a new state with mutate applied to a deep copy of the
// run, version incremented, and parent_version set to the current
// version.
func (s PipelineState) Copy(mutate func(*Run), at time.Time) PipelineState {
	next := s
	next.Run = s.Run.clone()
	mutate(&next.Run)
	v := s.Version
	next.ParentVersion = &v
	next.Version = s.Version + 1
	next.CreatedAt = at
	return next
}

// Branch returns a fresh state for experimental replay, sharing no
// identity with the state it was derived from beyond the snapshotted
// run contents. Branches are not mergeable back.
func (s PipelineState) Branch(name string, at time.Time) PipelineState {
	next := s
	next.Run = s.Run.clone()
	next.BranchID = name
	next.Version = 0
	next.ParentVersion = nil
	next.CreatedAt = at
	return next
}

// ProgressFraction is completed_steps / total_steps. Returns 0 for a run
// with no steps.
func (s PipelineState) ProgressFraction() float64 {
	if len(s.Run.Steps) == 0 {
		return 0
	}
	completed := 0
	for _, step := range s.Run.Steps {
		if step.Status == StepStatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(s.Run.Steps))
}

// NextReadySteps returns the step keys in Pending status whose
// dependencies (StepExecution.DependsOn) are all Completed, in the
// order they appear in Run.Steps.
func (s PipelineState) NextReadySteps() []string {
	completed := make(map[string]bool, len(s.Run.Steps))
	for _, step := range s.Run.Steps {
		if step.Status == StepStatusCompleted {
			completed[step.StepKey] = true
		}
	}

	var ready []string
	for _, step := range s.Run.Steps {
		if step.Status != StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step.StepKey)
		}
	}
	return ready
}

// TotalTokens sums every step's TokensUsed across all models.
func (s PipelineState) TotalTokens() int {
	total := 0
	for _, step := range s.Run.Steps {
		for _, n := range step.TokensUsed {
			total += n
		}
	}
	return total
}
