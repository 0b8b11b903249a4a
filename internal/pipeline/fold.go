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

import (
	"fmt"
	"log/slog"
)

// Apply is the pure transition function (state, event) -> state. It
// never mutates its input; the returned state is always a fresh
// Copy of state with one more event folded in.
func Apply(state PipelineState, event Event) (PipelineState, error) {
	ts := event.Timestamp

	switch event.EventType {
	case EventRunCreated:
		var data RunCreatedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode run_created: %w", err)
		}
		return state.Copy(func(r *Run) {
			r.ID = event.RunID
			r.TemplateID = data.TemplateID
			r.Workspace = data.Workspace
			r.Inputs = data.Inputs
			r.Status = RunStatusCreated
			r.CreatedAt = ts
			r.Steps = make([]StepExecution, 0, len(data.StepKeys))
			for _, key := range data.StepKeys {
				r.Steps = append(r.Steps, StepExecution{
					StepKey:    key,
					Status:     StepStatusPending,
					DependsOn:  append([]string(nil), data.DependsOn[key]...),
					MaxRetries: data.MaxRetries[key],
				})
			}
		}, ts), nil

	case EventRunStarted:
		return state.Copy(func(r *Run) {
			r.Status = RunStatusRunning
			r.StartedAt = &ts
		}, ts), nil

	case EventRunCompleted:
		var data RunCompletedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode run_completed: %w", err)
		}
		return state.Copy(func(r *Run) {
			r.Status = RunStatusCompleted
			r.CompletedAt = &ts
			r.Outputs = data.Outputs
		}, ts), nil

	case EventRunFailed:
		var data RunFailedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode run_failed: %w", err)
		}
		return state.Copy(func(r *Run) {
			r.Status = RunStatusFailed
			r.CompletedAt = &ts
			r.Error = data.Error
		}, ts), nil

	case EventRunPaused:
		return state.Copy(func(r *Run) { r.Status = RunStatusPaused }, ts), nil

	case EventRunResumed:
		return state.Copy(func(r *Run) { r.Status = RunStatusRunning }, ts), nil

	case EventRunCancelled:
		return state.Copy(func(r *Run) {
			r.Status = RunStatusCancelled
			r.CompletedAt = &ts
		}, ts), nil

	case EventStepStarted:
		var data StepStartedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_started: %w", err)
		}
		return state.Copy(func(r *Run) {
			step := r.StepByKey(data.StepKey)
			if step == nil {
				r.Steps = append(r.Steps, StepExecution{StepKey: data.StepKey})
				step = &r.Steps[len(r.Steps)-1]
			}
			step.Status = StepStatusRunning
			step.StartedAt = &ts
			step.Inputs = data.Inputs
		}, ts), nil

	case EventStepCompleted:
		var data StepCompletedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_completed: %w", err)
		}
		return state.Copy(func(r *Run) {
			step := r.StepByKey(data.StepKey)
			if step == nil {
				return
			}
			step.Status = StepStatusCompleted
			step.CompletedAt = &ts
			step.ExecutionTimeSecs = data.ExecutionTimeSecs
			step.TokensUsed = data.TokensUsed
		}, ts), nil

	case EventStepFailed:
		var data StepFailedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_failed: %w", err)
		}
		return state.Copy(func(r *Run) {
			step := r.StepByKey(data.StepKey)
			if step == nil {
				return
			}
			step.Status = StepStatusFailed
			step.CompletedAt = &ts
			step.Error = data.Error
			step.FailureReason = data.Reason
		}, ts), nil

	case EventStepResponseGenerated:
		var data StepResponseGeneratedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_response_generated: %w", err)
		}
		return state.Copy(func(r *Run) {
			step := r.StepByKey(data.StepKey)
			if step == nil {
				return
			}
			step.Responses = data.Responses
		}, ts), nil

	case EventStepResponseSelected:
		var data StepResponseSelectedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_response_selected: %w", err)
		}
		return state.Copy(func(r *Run) {
			step := r.StepByKey(data.StepKey)
			if step == nil {
				return
			}
			selected := data.Selected
			step.SelectedResponse = &selected
		}, ts), nil

	case EventStepFeedbackAdded:
		var data StepFeedbackAddedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_feedback_added: %w", err)
		}
		return state.Copy(func(r *Run) {
			step := r.StepByKey(data.StepKey)
			if step == nil {
				return
			}
			feedback := data.Feedback
			step.UserFeedback = &feedback
		}, ts), nil

	case EventStepRetried:
		var data StepRetriedData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode step_retried: %w", err)
		}
		step := state.Run.StepByKey(data.StepKey)
		if step != nil && data.RetryCount > step.MaxRetries {
			return state, fmt.Errorf("step %s: retry_count %d exceeds max_retries %d", data.StepKey, data.RetryCount, step.MaxRetries)
		}
		return state.Copy(func(r *Run) {
			s := r.StepByKey(data.StepKey)
			if s == nil {
				return
			}
			s.Status = StepStatusPending
			s.RetryCount = data.RetryCount
		}, ts), nil

	case EventStateSnapshot:
		var data StateSnapshotData
		if err := event.Decode(&data); err != nil {
			return state, fmt.Errorf("decode state_snapshot: %w", err)
		}
		snapshot := data.State
		v := state.Version
		snapshot.ParentVersion = &v
		snapshot.Version = state.Version + 1
		snapshot.CreatedAt = ts
		return snapshot, nil

	default:
		return state, fmt.Errorf("unknown event type %q", event.EventType)
	}
}

// Fold replays events in order from the zero state, returning the
// resulting PipelineState. A corrupted individual event (one that fails
// to decode, or that violates a transition invariant) is logged and
// skipped rather than aborting the whole replay, per the event store's
// resilience contract: one bad write must not brick a run.
func Fold(events []Event, logger *slog.Logger) (PipelineState, error) {
	if len(events) == 0 {
		return PipelineState{}, fmt.Errorf("cannot fold an empty event list")
	}
	if events[0].EventType != EventRunCreated {
		return PipelineState{}, fmt.Errorf("first event must be run_created, got %q", events[0].EventType)
	}

	state := PipelineState{}
	for _, event := range events {
		next, err := Apply(state, event)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping corrupted event during fold",
					"run_id", event.RunID,
					"sequence_number", event.SequenceNumber,
					"event_type", event.EventType,
					"error", err,
				)
			}
			continue
		}
		state = next
	}
	return state, nil
}

// FoldFrom replays events onto an existing state (typically one loaded
// from a state_snapshot), for the common "snapshot + tail" replay path.
func FoldFrom(state PipelineState, events []Event, logger *slog.Logger) PipelineState {
	for _, event := range events {
		next, err := Apply(state, event)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping corrupted event during fold",
					"run_id", event.RunID,
					"sequence_number", event.SequenceNumber,
					"event_type", event.EventType,
					"error", err,
				)
			}
			continue
		}
		state = next
	}
	return state
}
