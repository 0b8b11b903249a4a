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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvents(t *testing.T, runID string) []Event {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e1, err := NewEvent("e1", runID, 1, EventRunCreated, base, RunCreatedData{
		TemplateID: "basic",
		Workspace:  "default",
		Inputs:     map[string]any{"topic": "AI ethics"},
		StepKeys:   []string{"draft"},
		MaxRetries: map[string]int{"draft": 3},
	}, nil)
	require.NoError(t, err)

	e2, err := NewEvent("e2", runID, 2, EventRunStarted, base.Add(time.Second), RunStartedData{}, nil)
	require.NoError(t, err)

	e3, err := NewEvent("e3", runID, 3, EventStepStarted, base.Add(2*time.Second), StepStartedData{
		StepKey: "draft",
		Inputs:  map[string]any{"prompt": "Write about AI ethics"},
	}, nil)
	require.NoError(t, err)

	e4, err := NewEvent("e4", runID, 4, EventStepResponseGenerated, base.Add(3*time.Second), StepResponseGeneratedData{
		StepKey:   "draft",
		Responses: []string{"Draft text."},
	}, nil)
	require.NoError(t, err)

	e5, err := NewEvent("e5", runID, 5, EventStepCompleted, base.Add(4*time.Second), StepCompletedData{
		StepKey:           "draft",
		ExecutionTimeSecs: 1.5,
		TokensUsed:        map[string]int{"gpt-4": 42},
	}, nil)
	require.NoError(t, err)

	e6, err := NewEvent("e6", runID, 6, EventRunCompleted, base.Add(5*time.Second), RunCompletedData{
		Outputs: map[string]string{"draft": "Draft text."},
	}, nil)
	require.NoError(t, err)

	return []Event{e1, e2, e3, e4, e5, e6}
}

func TestFoldHappyPath(t *testing.T) {
	events := seedEvents(t, "run-1")

	state, err := Fold(events, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, state.Run.Status)
	assert.Equal(t, 6, state.Version)
	require.Len(t, state.Run.Steps, 1)
	assert.Equal(t, StepStatusCompleted, state.Run.Steps[0].Status)
	assert.Equal(t, []string{"Draft text."}, state.Run.Steps[0].Responses)
	assert.Equal(t, map[string]string{"draft": "Draft text."}, state.Run.Outputs)
	assert.Equal(t, 42, state.TotalTokens())
	assert.Equal(t, 1.0, state.ProgressFraction())
}

func TestFoldRequiresRunCreatedFirst(t *testing.T) {
	events := seedEvents(t, "run-1")
	_, err := Fold(events[1:], nil)
	assert.Error(t, err)
}

func TestFoldDeterministic(t *testing.T) {
	events := seedEvents(t, "run-1")

	a, err := Fold(events, nil)
	require.NoError(t, err)
	b, err := Fold(events, nil)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFoldSkipsCorruptedEvent(t *testing.T) {
	events := seedEvents(t, "run-1")
	events[3].Data = []byte(`{not valid json`)

	state, err := Fold(events, nil)
	require.NoError(t, err)

	// step_response_generated was skipped, but replay continues: the
	// step still completes from the later step_completed event.
	assert.Equal(t, RunStatusCompleted, state.Run.Status)
	assert.Empty(t, state.Run.Steps[0].Responses)
}

func TestStepRetriedExceedsMaxRetries(t *testing.T) {
	base := time.Now()
	created, err := NewEvent("e1", "run-1", 1, EventRunCreated, base, RunCreatedData{
		StepKeys:   []string{"draft"},
		MaxRetries: map[string]int{"draft": 1},
	}, nil)
	require.NoError(t, err)

	state, err := Fold([]Event{created}, nil)
	require.NoError(t, err)

	retried, err := NewEvent("e2", "run-1", 2, EventStepRetried, base, StepRetriedData{
		StepKey:    "draft",
		RetryCount: 2,
	}, nil)
	require.NoError(t, err)

	_, err = Apply(state, retried)
	assert.Error(t, err)
}

func TestPipelineStateBranchIsIndependent(t *testing.T) {
	events := seedEvents(t, "run-1")
	state, err := Fold(events, nil)
	require.NoError(t, err)

	branch := state.Branch("experiment", time.Now())
	branch.Run.Steps[0].Status = StepStatusPending

	assert.Equal(t, StepStatusCompleted, state.Run.Steps[0].Status)
	assert.Equal(t, 0, branch.Version)
	assert.Nil(t, branch.ParentVersion)
	assert.Equal(t, "experiment", branch.BranchID)
}

func TestNextReadySteps(t *testing.T) {
	base := time.Now()
	created, err := NewEvent("e1", "run-1", 1, EventRunCreated, base, RunCreatedData{
		StepKeys:   []string{"outline", "draft"},
		DependsOn:  map[string][]string{"draft": {"outline"}},
		MaxRetries: map[string]int{"outline": 0, "draft": 0},
	}, nil)
	require.NoError(t, err)

	state, err := Fold([]Event{created}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outline"}, state.NextReadySteps())

	completed, err := NewEvent("e2", "run-1", 2, EventStepCompleted, base, StepCompletedData{
		StepKey: "outline",
	}, nil)
	require.NoError(t, err)
	state = FoldFrom(state, []Event{completed}, nil)

	assert.Equal(t, []string{"draft"}, state.NextReadySteps())
}
