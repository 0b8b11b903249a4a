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

// Package executor drives a pipeline template from a validated template
// document through to a terminal run state: it loads and validates the
// template, schedules ready steps respecting their dependency graph,
// calls the configured LLMClient for generate/refine steps, renders
// transform steps, resolves user_selection steps, and persists every
// transition through an eventstore.Store. Cancellation and pause are
// cooperative: a caller flips a flag and the scheduling loop notices it
// at the next step boundary.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nibzard/writeit/internal/config"
	"github.com/nibzard/writeit/internal/eventstore"
	"github.com/nibzard/writeit/internal/pipeline"
	"github.com/nibzard/writeit/internal/renderer"
	"github.com/nibzard/writeit/internal/template"
	writeiterrors "github.com/nibzard/writeit/pkg/errors"
	"github.com/nibzard/writeit/pkg/llm"
)

// DefaultStepTimeout and DefaultRunTimeout match config.Default(); they
// exist here too so New works sensibly for a caller that skips
// WithRuntimeConfig entirely.
const (
	DefaultStepTimeout  = 5 * time.Minute
	DefaultRunTimeout   = 30 * time.Minute
	DefaultRetryBackoff = 1 * time.Second
	DefaultProgressSize = 256
)

// Selector picks one candidate response for a user_selection step. The
// default, firstCandidate, keeps the executor usable headless; a caller
// driving an interactive UI supplies its own that blocks on user input.
type Selector func(ctx context.Context, runID, stepKey string, candidates []string) (string, error)

func firstCandidate(_ context.Context, _, _ string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("user_selection step has no candidate responses to choose from")
	}
	return candidates[0], nil
}

// runControl holds the cooperative cancel/pause flags for one in-flight
// run. Reads and writes are lock-free; the scheduling loop samples them
// between step batches.
type runControl struct {
	cancel atomic.Bool
	pause  atomic.Bool
}

func (c *runControl) cancelRequested() bool { return c.cancel.Load() }
func (c *runControl) pauseRequested() bool  { return c.pause.Load() }

// Executor orchestrates pipeline runs over an eventstore.Store. One
// Executor can drive many concurrent runs; per-run state (control flags,
// token usage, progress subscribers) is keyed by run id.
type Executor struct {
	store  *eventstore.Store
	client LLMClient
	logger *slog.Logger
	newID  func() string

	stepTimeout      time.Duration
	runTimeout       time.Duration
	maxConcurrent    int
	retryBackoffBase time.Duration
	progressBuffer   int
	selector         Selector

	hub *progressHub

	usageMu sync.Mutex
	usage   map[string]*llm.TokenUsageTracker

	controlMu sync.Mutex
	control   map[string]*runControl
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithIDGen overrides run id generation (tests only).
func WithIDGen(f func() string) Option {
	return func(e *Executor) { e.newID = f }
}

// WithStepTimeout bounds a single step attempt.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithRunTimeout bounds an entire run.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Executor) { e.runTimeout = d }
}

// WithMaxConcurrentSteps bounds how many ready steps run at once. Zero
// means GOMAXPROCS.
func WithMaxConcurrentSteps(n int) Option {
	return func(e *Executor) { e.maxConcurrent = n }
}

// WithRetryBackoff sets the base delay doubled on every step retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Executor) { e.retryBackoffBase = d }
}

// WithProgressBufferSize bounds each progress subscriber's channel.
func WithProgressBufferSize(n int) Option {
	return func(e *Executor) { e.progressBuffer = n }
}

// WithSelector overrides how a user_selection step picks its candidate.
func WithSelector(s Selector) Option {
	return func(e *Executor) { e.selector = s }
}

// WithRuntimeConfig wires an internal/config.Runtime's tunables directly,
// the binding point between the process-level config layer and a single
// Executor instance.
func WithRuntimeConfig(cfg *config.Runtime) Option {
	return func(e *Executor) {
		if cfg == nil {
			return
		}
		if cfg.StepTimeout > 0 {
			e.stepTimeout = cfg.StepTimeout
		}
		if cfg.RunTimeout > 0 {
			e.runTimeout = cfg.RunTimeout
		}
		e.maxConcurrent = cfg.MaxConcurrentSteps
		if cfg.ProgressBufferSize > 0 {
			e.progressBuffer = cfg.ProgressBufferSize
		}
	}
}

// New builds an Executor over store, dispatching llm_generate/llm_refine
// steps through client.
func New(store *eventstore.Store, client LLMClient, opts ...Option) *Executor {
	e := &Executor{
		store:            store,
		client:           client,
		logger:           slog.Default(),
		newID:            uuid.NewString,
		stepTimeout:      DefaultStepTimeout,
		runTimeout:       DefaultRunTimeout,
		retryBackoffBase: DefaultRetryBackoff,
		progressBuffer:   DefaultProgressSize,
		selector:         firstCandidate,
		usage:            make(map[string]*llm.TokenUsageTracker),
		control:          make(map[string]*runControl),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hub = newProgressHub(e.progressBuffer, e.logger)
	return e
}

func (e *Executor) controlFor(runID string) *runControl {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	c, ok := e.control[runID]
	if !ok {
		c = &runControl{}
		e.control[runID] = c
	}
	return c
}

func (e *Executor) usageFor(runID string) *llm.TokenUsageTracker {
	e.usageMu.Lock()
	defer e.usageMu.Unlock()
	t, ok := e.usage[runID]
	if !ok {
		t = llm.NewTokenUsageTracker()
		e.usage[runID] = t
	}
	return t
}

// Usage returns a snapshot of run_id's accumulated token usage, or nil if
// no LLM call has succeeded for it yet.
func (e *Executor) Usage(runID string) map[string]llm.ModelUsage {
	e.usageMu.Lock()
	t, ok := e.usage[runID]
	e.usageMu.Unlock()
	if !ok {
		return nil
	}
	return t.PerModel()
}

// Subscribe registers a live progress feed for run_id. Callers must call
// Unsubscribe when done to release the subscriber slot.
func (e *Executor) Subscribe(runID string) *Subscriber {
	return e.hub.subscribe(runID)
}

// Unsubscribe retires a Subscribe'd feed.
func (e *Executor) Unsubscribe(runID string, sub *Subscriber) {
	e.hub.unsubscribe(runID, sub)
}

// Cancel requests cooperative cancellation of run_id. The run stops at
// the next step boundary rather than mid-step.
func (e *Executor) Cancel(runID string) {
	e.controlFor(runID).cancel.Store(true)
}

// Pause requests the run halt at the next step boundary without failing
// it; calling Execute again continues it from there.
func (e *Executor) Pause(runID string) {
	e.controlFor(runID).pause.Store(true)
}

// LoadAndValidate runs template structural validation, fills declared
// input defaults, validates the filled inputs, and if everything passes
// appends the run's run_created event. It returns the new run id.
func (e *Executor) LoadAndValidate(tmpl *template.PipelineTemplate, workspaceName string, inputs map[string]any) (string, error) {
	result := template.Validate(tmpl)
	if !result.IsValid {
		var issues []writeiterrors.Issue
		for _, iss := range result.Issues {
			if iss.Severity != template.SeverityError && iss.Severity != template.SeverityCritical {
				continue
			}
			issues = append(issues, writeiterrors.Issue{Code: string(iss.Code), Message: iss.Message, Location: iss.Location})
		}
		return "", &writeiterrors.PipelineValidationError{TemplateID: tmpl.ID, Issues: issues}
	}

	filled := template.FillDefaults(tmpl, inputs)
	if err := template.ValidateInputs(tmpl, filled); err != nil {
		return "", err
	}

	runID := e.newID()
	data := pipeline.RunCreatedData{
		TemplateID: tmpl.ID,
		Workspace:  workspaceName,
		Inputs:     filled,
		StepKeys:   tmpl.StepKeysInOrder(),
		MaxRetries: tmpl.MaxRetriesMap(),
		DependsOn:  tmpl.DependsOnMap(),
	}
	if _, err := e.store.Append(runID, pipeline.EventRunCreated, data, nil); err != nil {
		return "", err
	}
	return runID, nil
}

// Execute drives run_id to completion, failure, or a cooperative
// pause/cancel point, against tmpl (the same template LoadAndValidate
// was called with). It is safe to call again on a paused run to resume
// the scheduling loop.
func (e *Executor) Execute(ctx context.Context, tmpl *template.PipelineTemplate, runID string) error {
	state, err := e.store.State(runID)
	if err != nil {
		return err
	}

	switch state.Run.Status {
	case pipeline.RunStatusCreated:
		if _, err := e.store.Append(runID, pipeline.EventRunStarted, pipeline.RunStartedData{}, nil); err != nil {
			return err
		}
	case pipeline.RunStatusRunning, pipeline.RunStatusPaused:
		if state.Run.Status == pipeline.RunStatusPaused {
			if _, err := e.store.Append(runID, pipeline.EventRunResumed, pipeline.RunResumedData{}, nil); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("run %s is not resumable from status %q", runID, state.Run.Status)
	}

	ctrl := e.controlFor(runID)
	ctrl.pause.Store(false)

	runCtx := ctx
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	for {
		state, err = e.store.State(runID)
		if err != nil {
			return err
		}

		if ctrl.cancelRequested() {
			return e.cancelRun(runID)
		}
		select {
		case <-runCtx.Done():
			return e.timeoutOrCancel(runID, runCtx.Err())
		default:
		}
		if ctrl.pauseRequested() {
			return e.pauseRun(runID)
		}

		ready := state.NextReadySteps()
		if len(ready) == 0 {
			if allStepsTerminal(state) {
				break
			}
			err := fmt.Errorf("run %s stalled: no ready steps and pipeline incomplete", runID)
			e.finalizeFailure(runID, err)
			return err
		}

		if err := e.runBatch(runCtx, tmpl, runID, ready); err != nil {
			e.finalizeFailure(runID, err)
			return err
		}
	}

	return e.terminateRun(runID)
}

// runBatch runs every step key in stepKeys concurrently, bounded by
// maxConcurrent, and returns the first error any of them produced.
func (e *Executor) runBatch(ctx context.Context, tmpl *template.PipelineTemplate, runID string, stepKeys []string) error {
	limit := e.maxConcurrent
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)

	order := tmpl.StepKeysInOrder()
	for _, key := range stepKeys {
		stepKey := key
		stepIndex := indexOf(order, stepKey)
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return e.runStep(gctx, tmpl, runID, stepIndex, stepKey)
		})
	}
	return g.Wait()
}

// runStep executes one step to completion (including its own retry
// loop for llm_generate/llm_refine), persisting every transition.
func (e *Executor) runStep(ctx context.Context, tmpl *template.PipelineTemplate, runID string, stepIndex int, stepKey string) error {
	spec := tmpl.StepByKey(stepKey)
	if spec == nil {
		return fmt.Errorf("step %q not found in template %q", stepKey, tmpl.ID)
	}

	state, err := e.store.State(runID)
	if err != nil {
		return err
	}
	step := state.Run.StepByKey(stepKey)
	maxRetries := template.DefaultMaxRetries
	if step != nil {
		maxRetries = step.MaxRetries
	}

	renderCtx := buildRenderContext(&state, tmpl.Defaults)
	if _, err := e.store.Append(runID, pipeline.EventStepStarted, pipeline.StepStartedData{StepKey: stepKey, Inputs: renderCtx}, nil); err != nil {
		return err
	}
	e.hub.publish(ProgressMessage{Kind: ProgressStepStart, RunID: runID, StepIndex: stepIndex, StepKey: stepKey, Status: string(pipeline.StepStatusRunning)})

	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	started := time.Now()
	var response string
	tokensUsed := map[string]int{}

	switch spec.Type {
	case template.StepTypeTransform:
		result, err := renderer.Render(spec.PromptTemplate, renderCtx, renderer.ModeStrict)
		if err != nil {
			return e.failStep(runID, stepIndex, stepKey, err)
		}
		response = result.RenderedText

	case template.StepTypeUserSelect:
		candidates, err := gatherCandidates(&state, spec.DependsOn)
		if err != nil {
			return e.failStep(runID, stepIndex, stepKey, err)
		}
		selected, err := e.selector(stepCtx, runID, stepKey, candidates)
		if err != nil {
			return e.failStep(runID, stepIndex, stepKey, err)
		}
		response = selected
		if _, err := e.store.Append(runID, pipeline.EventStepResponseSelected, pipeline.StepResponseSelectedData{StepKey: stepKey, Selected: selected}, nil); err != nil {
			return err
		}

	default: // llm_generate, llm_refine
		var model string
		var usage llm.TokenUsage
		response, model, usage, err = e.runLLMStep(stepCtx, runID, stepIndex, stepKey, spec, renderCtx, tmpl.Defaults, maxRetries)
		if err != nil {
			return e.failStep(runID, stepIndex, stepKey, err)
		}
		tokensUsed[model] = usage.TotalTokens
	}

	if _, err := e.store.Append(runID, pipeline.EventStepResponseGenerated, pipeline.StepResponseGeneratedData{StepKey: stepKey, Responses: []string{response}}, nil); err != nil {
		return err
	}

	completed := pipeline.StepCompletedData{
		StepKey:           stepKey,
		ExecutionTimeSecs: time.Since(started).Seconds(),
		TokensUsed:        tokensUsed,
	}
	if _, err := e.store.Append(runID, pipeline.EventStepCompleted, completed, nil); err != nil {
		return err
	}
	e.hub.publish(ProgressMessage{Kind: ProgressStepComplete, RunID: runID, StepIndex: stepIndex, StepKey: stepKey, Status: string(pipeline.StepStatusCompleted), Payload: response})
	return nil
}

// runLLMStep drives the generate/refine retry loop: render, select a
// model, call the client, and on a retryable failure emit step_retried
// and try again up to maxRetries times with doubling backoff. It returns
// the winning response along with the model and usage of the call that
// produced it, so the caller can record per-step (not cumulative) token
// counts.
func (e *Executor) runLLMStep(ctx context.Context, runID string, stepIndex int, stepKey string, spec *template.StepSpec, renderCtx map[string]any, defaults map[string]any, maxRetries int) (string, string, llm.TokenUsage, error) {
	rendered, err := renderer.Render(spec.PromptTemplate, renderCtx, renderer.ModeStrict)
	if err != nil {
		return "", "", llm.TokenUsage{}, err
	}

	model, err := e.client.SelectModel(spec.ModelPreference, defaults)
	if err != nil {
		return "", "", llm.TokenUsage{}, err
	}

	for attempt := 1; ; attempt++ {
		response, usage, err := e.client.Complete(ctx, rendered.RenderedText, model, renderCtx)
		if err == nil {
			e.usageFor(runID).Record(model, usage)
			return response, model, usage, nil
		}

		if attempt > maxRetries || !isRetryable(err) {
			return "", "", llm.TokenUsage{}, err
		}

		if _, appendErr := e.store.Append(runID, pipeline.EventStepRetried, pipeline.StepRetriedData{StepKey: stepKey, RetryCount: attempt}, nil); appendErr != nil {
			return "", "", llm.TokenUsage{}, appendErr
		}
		e.hub.publish(ProgressMessage{Kind: ProgressStepStart, RunID: runID, StepIndex: stepIndex, StepKey: stepKey, Status: "retrying"})

		select {
		case <-ctx.Done():
			return "", "", llm.TokenUsage{}, ctx.Err()
		case <-time.After(backoffDelay(e.retryBackoffBase, attempt)):
		}
	}
}

func (e *Executor) failStep(runID string, stepIndex int, stepKey string, cause error) error {
	reason := pipeline.StepFailureError
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = pipeline.StepFailureTimeout
	}
	data := pipeline.StepFailedData{StepKey: stepKey, Reason: reason, Error: cause.Error()}
	if _, err := e.store.Append(runID, pipeline.EventStepFailed, data, nil); err != nil {
		return err
	}
	e.hub.publish(ProgressMessage{Kind: ProgressStepComplete, RunID: runID, StepIndex: stepIndex, StepKey: stepKey, Status: string(pipeline.StepStatusFailed), Payload: cause.Error()})
	return cause
}

func (e *Executor) finalizeFailure(runID string, cause error) {
	if _, err := e.store.Append(runID, pipeline.EventRunFailed, pipeline.RunFailedData{Error: cause.Error()}, nil); err != nil {
		e.logger.Error("failed to record run failure", "run_id", runID, "error", err)
	}
	e.hub.publish(ProgressMessage{Kind: ProgressRunFailed, RunID: runID, Status: string(pipeline.RunStatusFailed), Payload: cause.Error()})
}

func (e *Executor) cancelRun(runID string) error {
	if _, err := e.store.Append(runID, pipeline.EventRunCancelled, pipeline.RunCancelledData{}, nil); err != nil {
		return err
	}
	e.hub.publish(ProgressMessage{Kind: ProgressRunCancelled, RunID: runID, Status: string(pipeline.RunStatusCancelled)})
	return &writeiterrors.CancelledError{RunID: runID}
}

func (e *Executor) pauseRun(runID string) error {
	_, err := e.store.Append(runID, pipeline.EventRunPaused, pipeline.RunPausedData{}, nil)
	return err
}

func (e *Executor) timeoutOrCancel(runID string, cause error) error {
	if e.controlFor(runID).cancelRequested() {
		return e.cancelRun(runID)
	}
	err := &writeiterrors.TimeoutError{Operation: fmt.Sprintf("run %s", runID), Duration: e.runTimeout, Cause: cause}
	e.finalizeFailure(runID, err)
	return err
}

func (e *Executor) terminateRun(runID string) error {
	state, err := e.store.State(runID)
	if err != nil {
		return err
	}
	outputs := make(map[string]string, len(state.Run.Steps))
	for _, step := range state.Run.Steps {
		switch {
		case step.SelectedResponse != nil:
			outputs[step.StepKey] = *step.SelectedResponse
		case len(step.Responses) > 0:
			outputs[step.StepKey] = step.Responses[len(step.Responses)-1]
		}
	}
	if _, err := e.store.Append(runID, pipeline.EventRunCompleted, pipeline.RunCompletedData{Outputs: outputs}, nil); err != nil {
		return err
	}
	e.hub.publish(ProgressMessage{Kind: ProgressRunComplete, RunID: runID, Status: string(pipeline.RunStatusCompleted)})
	return nil
}

// buildRenderContext assembles the nested map the renderer walks:
// inputs.*, steps.<key>.{response,responses}, defaults.* (the
// template's own declared defaults block), and an empty global
// namespace a caller can extend by wrapping the Executor.
func buildRenderContext(state *pipeline.PipelineState, defaults map[string]any) map[string]any {
	if defaults == nil {
		defaults = map[string]any{}
	}
	ctx := map[string]any{
		"inputs":   state.Run.Inputs,
		"defaults": defaults,
		"global":   map[string]any{},
	}

	steps := make(map[string]any, len(state.Run.Steps))
	for _, step := range state.Run.Steps {
		entry := map[string]any{"responses": step.Responses}
		switch {
		case step.SelectedResponse != nil:
			entry["response"] = *step.SelectedResponse
		case len(step.Responses) > 0:
			entry["response"] = step.Responses[len(step.Responses)-1]
		default:
			entry["response"] = ""
		}
		steps[step.StepKey] = entry
	}
	ctx["steps"] = steps
	return ctx
}

// gatherCandidates collects the (most recent) response of every
// dependency step of a user_selection step, in declared order.
func gatherCandidates(state *pipeline.PipelineState, dependsOn []string) ([]string, error) {
	candidates := make([]string, 0, len(dependsOn))
	for _, dep := range dependsOn {
		step := state.Run.StepByKey(dep)
		if step == nil {
			return nil, fmt.Errorf("user_selection dependency %q has no recorded execution", dep)
		}
		switch {
		case step.SelectedResponse != nil:
			candidates = append(candidates, *step.SelectedResponse)
		case len(step.Responses) > 0:
			candidates = append(candidates, step.Responses[len(step.Responses)-1])
		default:
			return nil, fmt.Errorf("user_selection dependency %q produced no response", dep)
		}
	}
	return candidates, nil
}

func allStepsTerminal(state pipeline.PipelineState) bool {
	for _, step := range state.Run.Steps {
		switch step.Status {
		case pipeline.StepStatusCompleted, pipeline.StepStatusSkipped, pipeline.StepStatusCancelled:
		default:
			return false
		}
	}
	return true
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
