// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package source reconciles the partitions of external sources with the
// source actors reading them.
package source

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/barrier"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/streampb"
)

// ErrSourceNotFound is returned for sources that are not registered.
var ErrSourceNotFound = errors.New("source: source not found")

// SplitEnumerator lists the splits of an external source.
type SplitEnumerator interface {
	ListSplits(ctx context.Context) ([]streampb.Split, error)
}

// CommandRunner runs a barrier command to completion.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd barrier.Command) error
}

// Assignment maps source actors to the splits they read.
type Assignment map[streampb.ActorID][]streampb.Split

func (a Assignment) clone() Assignment {
	res := make(Assignment, len(a))
	for id, splits := range a {
		res[id] = slices.Clone(splits)
	}
	return res
}

type sourceState struct {
	actors     []streampb.ActorID
	enumerator SplitEnumerator
	assignment Assignment
}

// Manager tracks the split assignment of every registered source and
// propagates changes to the source actors through barriers.
type Manager struct {
	store  metastore.MetaStore
	runner CommandRunner
	logger base.Logger

	// tickMu serializes Tick.
	tickMu sync.Mutex
	mu     struct {
		sync.Mutex
		sources map[streampb.SourceID]*sourceState
		// loaded holds persisted assignments of sources not registered yet.
		loaded map[streampb.SourceID]Assignment
	}
}

var _ barrier.SplitAssignments = (*Manager)(nil)

func sourceKey(id streampb.SourceID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

// NewManager loads the assignments persisted in store. Changes are run as
// commands through runner.
func NewManager(
	ctx context.Context, store metastore.MetaStore, runner CommandRunner, logger base.Logger,
) (*Manager, error) {
	if logger == nil {
		logger = base.DefaultLogger
	}
	m := &Manager{store: store, runner: runner, logger: logger}
	m.mu.sources = make(map[streampb.SourceID]*sourceState)
	m.mu.loaded = make(map[streampb.SourceID]Assignment)
	kvs, err := store.List(ctx, metastore.CFSourceSplits)
	if err != nil {
		return nil, errors.Wrap(err, "loading source splits")
	}
	for _, kv := range kvs {
		if len(kv.Key) != 4 {
			return nil, base.CorruptionErrorf("invalid source splits key %x", kv.Key)
		}
		var a Assignment
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			return nil, base.CorruptionErrorf("decoding source splits: %v", err)
		}
		m.mu.loaded[streampb.SourceID(binary.BigEndian.Uint32(kv.Key))] = a
	}
	return m, nil
}

// SetRunner sets the runner of split change commands. It must be called
// before Tick if the manager was created without one.
func (m *Manager) SetRunner(runner CommandRunner) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.runner = runner
}

// Register registers the source actors of a source. Persisted splits of
// actors that still exist are kept.
func (m *Manager) Register(
	id streampb.SourceID, actors []streampb.ActorID, enumerator SplitEnumerator,
) error {
	if len(actors) == 0 {
		return errors.Newf("source: source %d has no actor", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.sources[id]; ok {
		return errors.Newf("source: source %d already registered", id)
	}
	actors = slices.Clone(actors)
	slices.Sort(actors)
	s := &sourceState{actors: actors, enumerator: enumerator, assignment: make(Assignment)}
	for actor, splits := range m.mu.loaded[id] {
		if _, ok := slices.BinarySearch(actors, actor); ok {
			s.assignment[actor] = splits
		}
	}
	delete(m.mu.loaded, id)
	m.mu.sources[id] = s
	return nil
}

// Unregister forgets a source and its persisted assignment.
func (m *Manager) Unregister(ctx context.Context, id streampb.SourceID) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.mu.Lock()
	_, ok := m.mu.sources[id]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrSourceNotFound, "source %d", id)
	}
	if err := m.store.Delete(ctx, metastore.CFSourceSplits, sourceKey(id)); err != nil {
		return errors.Wrapf(err, "deleting splits of source %d", id)
	}
	m.mu.Lock()
	delete(m.mu.sources, id)
	m.mu.Unlock()
	return nil
}

// reassign returns the assignment of splits to actors derived from prev:
// vanished splits are dropped and new ones go to the least loaded actor,
// lowest actor id first.
func reassign(actors []streampb.ActorID, prev Assignment, splits []streampb.Split) Assignment {
	exists := make(map[string]bool, len(splits))
	for _, s := range splits {
		exists[s.ID] = true
	}
	next := make(Assignment, len(actors))
	assigned := make(map[string]bool)
	for _, a := range actors {
		next[a] = []streampb.Split{}
		for _, s := range prev[a] {
			if exists[s.ID] && !assigned[s.ID] {
				next[a] = append(next[a], s)
				assigned[s.ID] = true
			}
		}
	}
	splits = slices.Clone(splits)
	slices.SortFunc(splits, func(a, b streampb.Split) int { return cmp.Compare(a.ID, b.ID) })
	for _, s := range splits {
		if assigned[s.ID] {
			continue
		}
		target := actors[0]
		for _, a := range actors[1:] {
			if len(next[a]) < len(next[target]) {
				target = a
			}
		}
		next[target] = append(next[target], s)
		assigned[s.ID] = true
	}
	return next
}

// equalAssignment compares assignments, treating absent actors as actors
// without splits.
func equalAssignment(next, prev Assignment) bool {
	sameID := func(s, t streampb.Split) bool { return s.ID == t.ID }
	for a, splits := range next {
		if !slices.EqualFunc(splits, prev[a], sameID) {
			return false
		}
	}
	for a, splits := range prev {
		if _, ok := next[a]; !ok && len(splits) > 0 {
			return false
		}
	}
	return true
}

// Tick lists the splits of every source and, if an assignment changed,
// runs a split change command carrying the new assignments. Assignments are
// adopted and persisted once the command finished.
func (m *Manager) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.Lock()
	ids := slices.Sorted(maps.Keys(m.mu.sources))
	states := make([]sourceState, len(ids))
	for i, id := range ids {
		s := m.mu.sources[id]
		states[i] = sourceState{actors: s.actors, enumerator: s.enumerator, assignment: s.assignment.clone()}
	}
	m.mu.Unlock()

	changed := make(map[streampb.SourceID]Assignment)
	for i, id := range ids {
		splits, err := states[i].enumerator.ListSplits(ctx)
		if err != nil {
			return errors.Wrapf(err, "listing splits of source %d", id)
		}
		next := reassign(states[i].actors, states[i].assignment, splits)
		if !equalAssignment(next, states[i].assignment) {
			changed[id] = next
		}
	}
	if len(changed) == 0 {
		return nil
	}

	mutation := &streampb.SourceChangeSplitMutation{ActorSplits: make(map[streampb.ActorID][]streampb.Split)}
	ops := make([]metastore.Op, 0, len(changed))
	for id, a := range changed {
		maps.Copy(mutation.ActorSplits, a)
		data, err := json.Marshal(a)
		if err != nil {
			return errors.Wrapf(err, "encoding splits of source %d", id)
		}
		ops = append(ops, metastore.PutOp(metastore.CFSourceSplits, sourceKey(id), data))
	}
	if m.runner == nil {
		return errors.New("source: no command runner")
	}
	if err := m.runner.RunCommand(ctx, barrier.Plain(&streampb.Mutation{Splits: mutation})); err != nil {
		return errors.Wrap(err, "changing source splits")
	}
	if err := m.store.Txn(ctx, ops...); err != nil {
		return errors.Wrap(err, "persisting source splits")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range changed {
		if s, ok := m.mu.sources[id]; ok {
			s.assignment = a
		}
	}
	m.logger.Infof("source: reassigned splits of %d sources", len(changed))
	return nil
}

// Run ticks every interval until ctx is canceled. Tick errors are logged.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logger.Errorf("source: %v", err)
		}
	}
}

// ListAssignments returns the splits of every source actor.
func (m *Manager) ListAssignments() map[streampb.ActorID][]streampb.Split {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[streampb.ActorID][]streampb.Split)
	for _, s := range m.mu.sources {
		maps.Copy(res, s.assignment.clone())
	}
	return res
}
