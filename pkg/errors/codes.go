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

package errors

import "fmt"

// Code is a string identifier surfaced to callers for UI mapping.
type Code string

const (
	CodePipelineValidation Code = "PIPELINE_VALIDATION_ERROR"
	CodeInputValidation    Code = "INPUT_VALIDATION_ERROR"
	CodeStepExecution      Code = "STEP_EXECUTION_ERROR"
	CodeLLMProvider        Code = "LLM_PROVIDER_ERROR"
	CodeModelUnavailable   Code = "MODEL_UNAVAILABLE"
	CodeCache              Code = "CACHE_ERROR"
	CodeStorage            Code = "STORAGE_ERROR"
	CodeIsolationViolation Code = "ISOLATION_VIOLATION"
	CodeTerminalRun        Code = "TERMINAL_RUN"
	CodeTimeout            Code = "TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
)

// IsolationError is raised whenever an operation would read or write
// outside a workspace's root directory. Always fatal, never retried.
type IsolationError struct {
	Workspace string
	Path      string
	Reason    string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("isolation violation for workspace %q: path %q: %s", e.Workspace, e.Path, e.Reason)
}

func (e *IsolationError) Code() Code { return CodeIsolationViolation }

// CancelledError indicates a run was cancelled cooperatively at a step
// boundary. Not a failure from the user's perspective.
type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

func (e *CancelledError) Code() Code { return CodeCancelled }

// TerminalRunError is returned when an append is attempted against a run
// whose event log already ended in a terminal event.
type TerminalRunError struct {
	RunID string
}

func (e *TerminalRunError) Error() string {
	return fmt.Sprintf("run %s has already terminated", e.RunID)
}

func (e *TerminalRunError) Code() Code { return CodeTerminalRun }

// StorageFullError is returned when a write would exceed a store's
// configured map-size ceiling.
type StorageFullError struct {
	Workspace string
	MaxBytes  int64
}

func (e *StorageFullError) Error() string {
	return fmt.Sprintf("storage full for workspace %q (max %d bytes); grow the map size", e.Workspace, e.MaxBytes)
}

func (e *StorageFullError) Code() Code { return CodeStorage }

// Coder is implemented by errors that carry a stable string Code for
// cross-boundary (UI) mapping.
type Coder interface {
	Code() Code
}

// CodeOf extracts the Code of err if it (or something it wraps) implements
// Coder, falling back to a best-effort mapping from the known error
// hierarchy otherwise.
func CodeOf(err error) Code {
	var coder Coder
	if As(err, &coder) {
		return coder.Code()
	}

	var ve *ValidationError
	if As(err, &ve) {
		return CodeInputValidation
	}
	var pe *ProviderError
	if As(err, &pe) {
		return CodeLLMProvider
	}
	var te *TimeoutError
	if As(err, &te) {
		return CodeTimeout
	}
	return CodeStepExecution
}
