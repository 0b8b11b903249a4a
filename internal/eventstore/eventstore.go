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

// Package eventstore persists the append-only per-run event log over the
// Storage Engine (internal/store) and folds it into a PipelineState
// (internal/pipeline). It owns sequencing, snapshotting, and the
// terminal-run invariant; the fold algorithm itself lives in pipeline.
package eventstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nibzard/writeit/internal/pipeline"
	"github.com/nibzard/writeit/internal/store"
	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

// SubDB is the bbolt bucket events live in.
const SubDB = "pipeline_events"

// DefaultSnapshotInterval is the K in "snapshot every K events".
const DefaultSnapshotInterval = 100

// Clock is injected for deterministic tests; defaults to time.Now.
type Clock func() time.Time

// IDGen is injected for deterministic tests; defaults to uuid.NewString.
type IDGen func() string

// Store appends and replays events for runs in one workspace's Storage
// Engine. It is safe for concurrent use across runs; writes for a given
// run_id are serialized by a per-run mutex so two goroutines racing to
// append to the same run never compute colliding sequence numbers.
type Store struct {
	db               *store.Store
	snapshotInterval int
	now              Clock
	newID            IDGen
	logger           *slog.Logger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Option configures a Store at construction.
type Option func(*Store)

// WithSnapshotInterval overrides DefaultSnapshotInterval.
func WithSnapshotInterval(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.snapshotInterval = n
		}
	}
}

// WithClock overrides the store's time source (tests only).
func WithClock(c Clock) Option {
	return func(s *Store) { s.now = c }
}

// WithIDGen overrides the store's id generator (tests only).
func WithIDGen(g IDGen) Option {
	return func(s *Store) { s.newID = g }
}

// WithLogger attaches a structured logger used for fold warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps db with event-store semantics.
func New(db *store.Store, opts ...Option) *Store {
	s := &Store{
		db:               db,
		snapshotInterval: DefaultSnapshotInterval,
		now:              time.Now,
		newID:            uuid.NewString,
		runLocks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.runLocks[runID] = l
	}
	return l
}

func eventKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("event_%s_%06d", runID, seq))
}

// Append computes the next sequence number for run_id, persists the
// event, and snapshots when the interval is crossed (or the event is
// terminal). Fails with TerminalRunError if the run's last event was
// already a terminal one.
func (s *Store) Append(runID string, eventType pipeline.EventType, data any, metadata map[string]string) (pipeline.Event, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	events, err := s.loadAll(runID)
	if err != nil {
		return pipeline.Event{}, err
	}
	if len(events) > 0 && events[len(events)-1].EventType.IsTerminal() {
		return pipeline.Event{}, &writeiterrors.TerminalRunError{RunID: runID}
	}

	seq := len(events) + 1
	event, err := pipeline.NewEvent(s.newID(), runID, seq, eventType, s.now(), data, metadata)
	if err != nil {
		return pipeline.Event{}, err
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := s.db.Put(SubDB, eventKey(runID, seq), raw); err != nil {
		return pipeline.Event{}, err
	}

	if seq%s.snapshotInterval == 0 || eventType.IsTerminal() {
		if _, err := s.snapshotLocked(runID, append(events, event)); err != nil {
			return event, err
		}
	}

	return event, nil
}

// Events returns every event for run_id with sequence_number >= fromSeq,
// in order. It never includes synthetic state_snapshot events: those
// are an internal replay optimization, not part of the logical event
// sequence a caller folds to reconstruct run history.
func (s *Store) Events(runID string, fromSeq int) ([]pipeline.Event, error) {
	events, err := s.loadAll(runID)
	if err != nil {
		return nil, err
	}
	var out []pipeline.Event
	for _, e := range events {
		if e.SequenceNumber < fromSeq {
			continue
		}
		if e.EventType == pipeline.EventStateSnapshot {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// loadAll scans pipeline_events for the run_id prefix, in lexicographic
// (== chronological, thanks to zero-padded sequence numbers) order.
func (s *Store) loadAll(runID string) ([]pipeline.Event, error) {
	prefix := []byte(fmt.Sprintf("event_%s_", runID))
	var events []pipeline.Event
	err := s.db.Scan(SubDB, prefix, func(_, value []byte) (bool, error) {
		var e pipeline.Event
		if err := json.Unmarshal(value, &e); err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping corrupted stored event", "run_id", runID, "error", err)
			}
			return true, nil
		}
		events = append(events, e)
		return true, nil
	})
	return events, err
}

// State folds run_id's event log into a PipelineState, starting from its
// most recent state_snapshot (if any) to bound replay cost.
func (s *Store) State(runID string) (pipeline.PipelineState, error) {
	all, err := s.loadAll(runID)
	if err != nil {
		return pipeline.PipelineState{}, err
	}
	if len(all) == 0 {
		return pipeline.PipelineState{}, &writeiterrors.NotFoundError{Resource: "run", ID: runID}
	}

	snapshotIdx := -1
	for i, e := range all {
		if e.EventType == pipeline.EventStateSnapshot {
			snapshotIdx = i
		}
	}
	if snapshotIdx == -1 {
		return pipeline.Fold(all, s.logger)
	}

	var data pipeline.StateSnapshotData
	if err := all[snapshotIdx].Decode(&data); err != nil {
		// Corrupt snapshot: fall back to a full replay from the start.
		return pipeline.Fold(all, s.logger)
	}
	return pipeline.FoldFrom(data.State, all[snapshotIdx+1:], s.logger), nil
}

// StateAt replays events up to and including version (i.e. the first
// `version` non-snapshot events applied from the start), ignoring any
// snapshot shortcut, since a caller asking for a historical version
// wants the replay trimmed precisely there.
func (s *Store) StateAt(runID string, version int) (pipeline.PipelineState, error) {
	events, err := s.Events(runID, 0)
	if err != nil {
		return pipeline.PipelineState{}, err
	}
	if version < 1 || version > len(events) {
		return pipeline.PipelineState{}, &writeiterrors.NotFoundError{Resource: "run version", ID: fmt.Sprintf("%s@%d", runID, version)}
	}
	return pipeline.Fold(events[:version], s.logger)
}

// Snapshot forces a state_snapshot event carrying the full current state.
func (s *Store) Snapshot(runID string) (pipeline.Event, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	events, err := s.loadAll(runID)
	if err != nil {
		return pipeline.Event{}, err
	}
	return s.snapshotLocked(runID, events)
}

func (s *Store) snapshotLocked(runID string, events []pipeline.Event) (pipeline.Event, error) {
	state, err := pipeline.Fold(events, s.logger)
	if err != nil {
		return pipeline.Event{}, err
	}

	seq := len(events) + 1
	ts := s.now()

	// Apply's own EventStateSnapshot case bumps the folded state's version
	// to count the snapshot event itself (state.Version + 1); do the same
	// here so State()'s FoldFrom-from-snapshot path reports the same
	// version a from-scratch Fold(all) would.
	parentVersion := state.Version
	state.ParentVersion = &parentVersion
	state.Version = parentVersion + 1
	state.CreatedAt = ts

	event, err := pipeline.NewEvent(s.newID(), runID, seq, pipeline.EventStateSnapshot, ts, pipeline.StateSnapshotData{State: state}, nil)
	if err != nil {
		return pipeline.Event{}, err
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.db.Put(SubDB, eventKey(runID, seq), raw); err != nil {
		return pipeline.Event{}, err
	}
	return event, nil
}
