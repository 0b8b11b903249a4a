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

package executor

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nibzard/writeit/internal/eventstore"
	"github.com/nibzard/writeit/internal/pipeline"
	"github.com/nibzard/writeit/internal/store"
	"github.com/nibzard/writeit/internal/template"
	"github.com/nibzard/writeit/pkg/llm"
	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

// fakeLLMClient is an in-memory stand-in for *llm.Facade: each call to
// Complete consumes one scripted response (or the configured error) for
// its model, in first-come order per model. It never touches a network.
type fakeLLMClient struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     int32
}

type fakeResponse struct {
	text  string
	usage llm.TokenUsage
	err   error

	// block, when set, makes Complete wait for ctx to be done instead of
	// returning immediately. Used to exercise the per-step timeout path.
	block bool
}

func newFakeLLMClient() *fakeLLMClient {
	return &fakeLLMClient{responses: make(map[string][]fakeResponse)}
}

// script queues a response for the next Complete call that resolves to
// model model (tests key scripts by model id for simplicity; every step
// in these tests uses a distinct model preference).
func (f *fakeLLMClient) script(model string, responses ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[model] = append(f.responses[model], responses...)
}

func (f *fakeLLMClient) Complete(ctx context.Context, _ string, model string, _ map[string]any) (string, llm.TokenUsage, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	queue := f.responses[model]
	if len(queue) == 0 {
		f.mu.Unlock()
		return "", llm.TokenUsage{}, &writeiterrors.ProviderError{Provider: "fake", Message: "no scripted response left for " + model}
	}
	next := queue[0]
	f.responses[model] = queue[1:]
	f.mu.Unlock()

	if next.block {
		<-ctx.Done()
		return "", llm.TokenUsage{}, ctx.Err()
	}
	if next.err != nil {
		return "", llm.TokenUsage{}, next.err
	}
	return next.text, next.usage, nil
}

func (f *fakeLLMClient) SelectModel(preferences []string, _ map[string]any) (string, error) {
	if len(preferences) == 0 {
		return "", &writeiterrors.ValidationError{Field: "preferences", Message: "empty"}
	}
	return preferences[0], nil
}

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "data.db"), 0, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return eventstore.New(db)
}

func twoStepTemplate() *template.PipelineTemplate {
	return &template.PipelineTemplate{
		ID: "two-step",
		Inputs: []template.InputSpec{
			{Key: "topic", Type: template.InputTypeText, Required: true},
		},
		Steps: []template.StepSpec{
			{
				Key:             "outline",
				Name:            "Outline",
				Type:            template.StepTypeLLMGenerate,
				PromptTemplate:  "Outline {{ inputs.topic }}",
				ModelPreference: []string{"model-outline"},
			},
			{
				Key:             "draft",
				Name:            "Draft",
				Type:            template.StepTypeLLMGenerate,
				PromptTemplate:  "Draft from {{ steps.outline.response }}",
				ModelPreference: []string{"model-draft"},
				DependsOn:       []string{"outline"},
			},
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{text: "an outline", usage: llm.TokenUsage{TotalTokens: 10}})
	client.script("model-draft", fakeResponse{text: "a draft", usage: llm.TokenUsage{TotalTokens: 20}})

	e := New(s, client, WithIDGen(sequentialIDs()))
	tmpl := twoStepTemplate()

	runID, err := e.LoadAndValidate(tmpl, "default", map[string]any{"topic": "robots"})
	require.NoError(t, err)

	require.NoError(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
	require.Equal(t, "an outline", state.Run.Outputs["outline"])
	require.Equal(t, "a draft", state.Run.Outputs["draft"])
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{text: "an outline"})
	client.script("model-draft", fakeResponse{text: "a draft"})

	e := New(s, client, WithIDGen(sequentialIDs()))
	tmpl := twoStepTemplate()

	runID, err := e.LoadAndValidate(tmpl, "default", map[string]any{"topic": "robots"})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	outline := state.Run.StepByKey("outline")
	draft := state.Run.StepByKey("draft")
	require.NotNil(t, outline.CompletedAt)
	require.NotNil(t, draft.StartedAt)
	require.False(t, draft.StartedAt.Before(*outline.CompletedAt))
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline",
		fakeResponse{err: &writeiterrors.ProviderError{Provider: "fake", StatusCode: 503, Message: "upstream busy"}},
		fakeResponse{text: "an outline after retry"},
	)
	client.script("model-draft", fakeResponse{text: "a draft"})

	e := New(s, client, WithIDGen(sequentialIDs()), WithRetryBackoff(time.Millisecond))
	tmpl := twoStepTemplate()

	runID, err := e.LoadAndValidate(tmpl, "default", map[string]any{"topic": "robots"})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusCompleted, state.Run.Status)
	require.Equal(t, "an outline after retry", state.Run.Outputs["outline"])

	var retried bool
	events, err := s.Events(runID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.EventType == pipeline.EventStepRetried {
			retried = true
		}
	}
	require.True(t, retried, "expected a step_retried event to have been recorded")
}

func TestExecuteFailsTerminallyOnNonRetryableError(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{err: &writeiterrors.ValidationError{Field: "prompt", Message: "rejected by provider"}})

	e := New(s, client, WithIDGen(sequentialIDs()))
	tmpl := twoStepTemplate()

	runID, err := e.LoadAndValidate(tmpl, "default", map[string]any{"topic": "robots"})
	require.NoError(t, err)
	require.Error(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusFailed, state.Run.Status)
}

func TestExecuteReportsTimeoutReasonOnStepDeadline(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{block: true})

	e := New(s, client, WithIDGen(sequentialIDs()), WithStepTimeout(10*time.Millisecond))
	tmpl := twoStepTemplate()

	runID, err := e.LoadAndValidate(tmpl, "default", map[string]any{"topic": "robots"})
	require.NoError(t, err)
	require.Error(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusFailed, state.Run.Status)

	outline := state.Run.StepByKey("outline")
	require.NotNil(t, outline)
	require.Equal(t, pipeline.StepStatusFailed, outline.Status)
	require.Equal(t, pipeline.StepFailureTimeout, outline.FailureReason)

	var failed pipeline.StepFailedData
	events, err := s.Events(runID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.EventType == pipeline.EventStepFailed {
			require.NoError(t, ev.Decode(&failed))
		}
	}
	require.Equal(t, pipeline.StepFailureTimeout, failed.Reason)
}

func TestLoadAndValidateRejectsStructurallyInvalidTemplate(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	e := New(s, client, WithIDGen(sequentialIDs()))

	tmpl := &template.PipelineTemplate{
		ID: "cyclic",
		Steps: []template.StepSpec{
			{Key: "a", Type: template.StepTypeLLMGenerate, PromptTemplate: "x", DependsOn: []string{"b"}},
			{Key: "b", Type: template.StepTypeLLMGenerate, PromptTemplate: "y", DependsOn: []string{"a"}},
		},
	}

	_, err := e.LoadAndValidate(tmpl, "default", nil)
	require.Error(t, err)
	var pve *writeiterrors.PipelineValidationError
	require.ErrorAs(t, err, &pve)
	require.Equal(t, "cyclic", pve.TemplateID)
}

func TestTransformStepRendersWithoutCallingLLM(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{text: "an outline"})

	tmpl := &template.PipelineTemplate{
		ID: "with-transform",
		Inputs: []template.InputSpec{
			{Key: "topic", Type: template.InputTypeText, Required: true},
		},
		Steps: []template.StepSpec{
			{Key: "outline", Type: template.StepTypeLLMGenerate, PromptTemplate: "Outline {{ inputs.topic }}", ModelPreference: []string{"model-outline"}},
			{Key: "wrap", Type: template.StepTypeTransform, PromptTemplate: "Final: {{ steps.outline.response }}", DependsOn: []string{"outline"}},
		},
	}

	e := New(s, client, WithIDGen(sequentialIDs()))
	runID, err := e.LoadAndValidate(tmpl, "default", map[string]any{"topic": "robots"})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, "Final: an outline", state.Run.Outputs["wrap"])
	require.Equal(t, int32(1), atomic.LoadInt32(&client.calls), "transform step must not invoke the LLM client")
}

func TestUserSelectionPicksFirstCandidateByDefault(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-a", fakeResponse{text: "candidate A"})
	client.script("model-b", fakeResponse{text: "candidate B"})

	tmpl := &template.PipelineTemplate{
		ID: "with-selection",
		Steps: []template.StepSpec{
			{Key: "a", Type: template.StepTypeLLMGenerate, PromptTemplate: "a", ModelPreference: []string{"model-a"}},
			{Key: "b", Type: template.StepTypeLLMGenerate, PromptTemplate: "b", ModelPreference: []string{"model-b"}},
			{Key: "pick", Type: template.StepTypeUserSelect, DependsOn: []string{"a", "b"}},
		},
	}

	e := New(s, client, WithIDGen(sequentialIDs()))
	runID, err := e.LoadAndValidate(tmpl, "default", nil)
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, "candidate A", state.Run.Outputs["pick"])
}

func TestWorkspaceIsolationCannotEscapeRoot(t *testing.T) {
	// Not an executor concern by itself, but the renderer/executor never
	// resolve filesystem paths outside internal/workspace.ResolvePath; a
	// run's Workspace field is opaque data to the executor and never
	// joined onto a filesystem path here.
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{text: "an outline"})
	client.script("model-draft", fakeResponse{text: "a draft"})

	e := New(s, client, WithIDGen(sequentialIDs()))
	tmpl := twoStepTemplate()

	runID, err := e.LoadAndValidate(tmpl, "../../etc", map[string]any{"topic": "robots"})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), tmpl, runID))

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, "../../etc", state.Run.Workspace, "the workspace name is stored as opaque data, never interpreted as a path by the executor")
}

func TestCancelStopsRunAtNextBoundary(t *testing.T) {
	s := newTestStore(t)
	client := newFakeLLMClient()
	client.script("model-outline", fakeResponse{text: "an outline"})

	tmpl := &template.PipelineTemplate{
		ID: "cancel-me",
		Steps: []template.StepSpec{
			{Key: "outline", Type: template.StepTypeLLMGenerate, PromptTemplate: "x", ModelPreference: []string{"model-outline"}},
			{Key: "draft", Type: template.StepTypeLLMGenerate, PromptTemplate: "y", ModelPreference: []string{"model-draft"}, DependsOn: []string{"outline"}},
		},
	}

	e := New(s, client, WithIDGen(sequentialIDs()))
	runID, err := e.LoadAndValidate(tmpl, "default", nil)
	require.NoError(t, err)

	e.Cancel(runID)
	err = e.Execute(context.Background(), tmpl, runID)
	require.Error(t, err)
	var cancelled *writeiterrors.CancelledError
	require.ErrorAs(t, err, &cancelled)

	state, err := s.State(runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusCancelled, state.Run.Status)
}

func sequentialIDs() func() string {
	n := int32(0)
	return func() string {
		v := atomic.AddInt32(&n, 1)
		return "id-" + string(rune('a'+v))
	}
}
