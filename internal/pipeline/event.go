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

// Package pipeline holds the event-sourced run state model: the event
// types a run emits, the immutable PipelineState they fold into, and the
// pure transition function between them. Nothing in this package touches
// storage; that lives in internal/eventstore.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload carried in an Event's Data field.
// Each constant here is a tagged variant: the fold function exhaustively
// switches over these rather than inspecting an untyped map.
type EventType string

const (
	EventRunCreated            EventType = "run_created"
	EventRunStarted            EventType = "run_started"
	EventRunCompleted          EventType = "run_completed"
	EventRunFailed             EventType = "run_failed"
	EventRunPaused             EventType = "run_paused"
	EventRunResumed            EventType = "run_resumed"
	EventRunCancelled          EventType = "run_cancelled"
	EventStepStarted           EventType = "step_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventStepResponseGenerated EventType = "step_response_generated"
	EventStepResponseSelected  EventType = "step_response_selected"
	EventStepFeedbackAdded     EventType = "step_feedback_added"
	EventStepRetried           EventType = "step_retried"
	EventStateSnapshot         EventType = "state_snapshot"
)

// Event is an atomic, timestamped, sequence-numbered record of a state
// transition for one run. Data carries the event-specific payload as
// opaque JSON so the Event Store can persist it without knowing the
// variant's Go type; Decode unmarshals it back into the matching struct.
type Event struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	SequenceNumber int               `json:"sequence_number"`
	EventType      EventType         `json:"event_type"`
	Timestamp      time.Time         `json:"timestamp"`
	Data           json.RawMessage   `json:"data"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewEvent marshals data into an Event's Data field. id, runID, sequence,
// and timestamp are supplied by the caller (the Event Store owns
// sequencing and clock access).
func NewEvent(id, runID string, sequence int, eventType EventType, timestamp time.Time, data any, metadata map[string]string) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:             id,
		RunID:          runID,
		SequenceNumber: sequence,
		EventType:      eventType,
		Timestamp:      timestamp,
		Data:           raw,
		Metadata:       metadata,
	}, nil
}

// Decode unmarshals e.Data into out (a pointer to one of the *Data
// structs below).
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// IsTerminal reports whether EventType ends a run's event log (no
// further events may be appended after one of
// these).
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	default:
		return false
	}
}

// RunCreatedData is the payload of the first event in every run's log.
// StepKeys preserves the template's declared step order so StepExecution
// records can be seeded as pending before any step_started arrives.
type RunCreatedData struct {
	TemplateID string              `json:"template_id"`
	Workspace  string              `json:"workspace"`
	Inputs     map[string]any      `json:"inputs"`
	StepKeys   []string            `json:"step_keys"`
	MaxRetries map[string]int      `json:"max_retries"`
	DependsOn  map[string][]string `json:"depends_on"`
}

// RunStartedData carries no fields; its presence alone is the signal.
type RunStartedData struct{}

// RunCompletedData carries the run's final accumulated outputs.
type RunCompletedData struct {
	Outputs map[string]string `json:"outputs"`
}

// RunFailedData carries the terminal error message.
type RunFailedData struct {
	Error string `json:"error"`
}

// RunPausedData carries no fields.
type RunPausedData struct{}

// RunResumedData carries no fields.
type RunResumedData struct{}

// RunCancelledData carries no fields.
type RunCancelledData struct{}

// StepStartedData marks a step entering the running state.
type StepStartedData struct {
	StepKey string         `json:"step_key"`
	Inputs  map[string]any `json:"inputs"`
}

// StepCompletedData carries a step's measured cost.
type StepCompletedData struct {
	StepKey           string         `json:"step_key"`
	ExecutionTimeSecs float64        `json:"execution_time_secs"`
	TokensUsed        map[string]int `json:"tokens_used"`
}

// StepFailureReason classifies why a step failed, for callers that need
// to branch on the failure kind without parsing Error.
type StepFailureReason string

const (
	// StepFailureTimeout marks a step that missed its per-step deadline.
	StepFailureTimeout StepFailureReason = "timeout"

	// StepFailureError covers every other failure: provider errors,
	// validation errors, non-retryable errors, and exhausted retries.
	StepFailureError StepFailureReason = "error"
)

// StepFailedData carries the step-level failure reason.
type StepFailedData struct {
	StepKey string            `json:"step_key"`
	Reason  StepFailureReason `json:"reason"`
	Error   string            `json:"error"`
}

// StepResponseGeneratedData carries every sample produced for a step.
type StepResponseGeneratedData struct {
	StepKey   string   `json:"step_key"`
	Responses []string `json:"responses"`
}

// StepResponseSelectedData records which sample was kept.
type StepResponseSelectedData struct {
	StepKey  string `json:"step_key"`
	Selected string `json:"selected"`
}

// StepFeedbackAddedData records user feedback attached to a step.
type StepFeedbackAddedData struct {
	StepKey  string `json:"step_key"`
	Feedback string `json:"feedback"`
}

// StepRetriedData marks a step returning to pending for another attempt.
type StepRetriedData struct {
	StepKey    string `json:"step_key"`
	RetryCount int    `json:"retry_count"`
}

// StateSnapshotData carries a full PipelineState payload so replay can
// start from it instead of from run_created.
type StateSnapshotData struct {
	State PipelineState `json:"state"`
}
