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
	"time"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

// isRetryable classifies a step-execution failure as transient or
// terminal. A ProviderError is retryable when its StatusCode falls in
// the classic "try again later" band (429 rate-limited, 5xx upstream
// failure); a TimeoutError is always retryable. Everything else,
// validation failures, 4xx client errors other than 429, isolation
// violations, is terminal: retrying it would just fail the same way.
func isRetryable(err error) bool {
	var pe *writeiterrors.ProviderError
	if writeiterrors.As(err, &pe) {
		switch pe.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	var te *writeiterrors.TimeoutError
	if writeiterrors.As(err, &te) {
		return true
	}

	return false
}

// backoffDelay doubles a base delay on every subsequent attempt, with no
// jitter at this layer (the LLM Client Facade's own retry already
// jitters individual provider calls; this is the coarser step-level
// retry recorded as step_retried events).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
