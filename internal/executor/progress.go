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
	"log/slog"
	"sync"
)

// ProgressKind tags a ProgressMessage with a fixed vocabulary a
// subscriber switches on.
type ProgressKind string

const (
	ProgressStepStart    ProgressKind = "step_start"
	ProgressStepComplete ProgressKind = "step_complete"
	ProgressTokenChunk   ProgressKind = "token_chunk"
	ProgressRunComplete  ProgressKind = "run_complete"
	ProgressRunFailed    ProgressKind = "run_failed"
	ProgressRunCancelled ProgressKind = "run_cancelled"
)

// ProgressMessage is one notification delivered to a run's subscribers.
// It is informational only: the event log (internal/eventstore) is the
// durable record, this is a live side-channel for UIs.
type ProgressMessage struct {
	Kind      ProgressKind
	RunID     string
	StepIndex int
	StepKey   string
	Status    string
	Payload   string
}

// Subscriber is a bounded per-caller feed of ProgressMessages. Token
// chunks are never dropped (they are part of the persisted response,
// per the back-pressure contract); every other kind is dropped oldest-
// first when the subscriber falls behind.
type Subscriber struct {
	ch     chan ProgressMessage
	logger *slog.Logger
	runID  string

	mu     sync.Mutex
	closed bool
}

func newSubscriber(runID string, buffer int, logger *slog.Logger) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	return &Subscriber{ch: make(chan ProgressMessage, buffer), logger: logger, runID: runID}
}

// C returns the channel to range over.
func (s *Subscriber) C() <-chan ProgressMessage { return s.ch }

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscriber) publish(msg ProgressMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if msg.Kind == ProgressTokenChunk {
		s.ch <- msg
		return
	}

	select {
	case s.ch <- msg:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
	if s.logger != nil {
		s.logger.Warn("lagging_subscriber", "run_id", s.runID, "kind", msg.Kind)
	}
}

// progressHub fans a run's progress out to every subscriber registered
// for it.
type progressHub struct {
	mu     sync.Mutex
	byRun  map[string][]*Subscriber
	buffer int
	logger *slog.Logger
}

func newProgressHub(buffer int, logger *slog.Logger) *progressHub {
	return &progressHub{byRun: make(map[string][]*Subscriber), buffer: buffer, logger: logger}
}

func (h *progressHub) subscribe(runID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := newSubscriber(runID, h.buffer, h.logger)
	h.byRun[runID] = append(h.byRun[runID], sub)
	return sub
}

func (h *progressHub) unsubscribe(runID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.byRun[runID]
	for i, s := range subs {
		if s == sub {
			h.byRun[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.close()
}

func (h *progressHub) publish(msg ProgressMessage) {
	h.mu.Lock()
	subs := append([]*Subscriber(nil), h.byRun[msg.RunID]...)
	h.mu.Unlock()
	for _, s := range subs {
		s.publish(msg)
	}
}
