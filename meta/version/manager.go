// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package version

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/sstable"
)

var currentVersionKey = []byte("current")

// Options configures a Manager.
type Options struct {
	// ObjectStore, if set, is used to delete the tables of aborted epochs.
	ObjectStore objstorage.ObjectStore
	Logger      base.Logger
}

// EnsureDefaults fills in default values for unset options.
func (o Options) EnsureDefaults() Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// Manager owns the committed version. Commits are serialized and persisted
// in the meta-store before they become visible.
type Manager struct {
	opts  Options
	store metastore.MetaStore

	mu struct {
		sync.Mutex
		current *Version
		// pinned maps a context to the epochs of the snapshots it pinned.
		pinned      map[uint32][]base.Epoch
		subscribers map[int]func(*Version)
		nextSubID   int
	}
}

// NewManager loads the version persisted in store, or starts from an empty
// version.
func NewManager(ctx context.Context, store metastore.MetaStore, opts Options) (*Manager, error) {
	m := &Manager{opts: opts.EnsureDefaults(), store: store}
	m.mu.current = &Version{}
	m.mu.pinned = make(map[uint32][]base.Epoch)
	m.mu.subscribers = make(map[int]func(*Version))

	data, err := store.Get(ctx, metastore.CFVersion, currentVersionKey)
	switch {
	case errors.Is(err, metastore.ErrNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "loading version")
	default:
		v := &Version{}
		if err := json.Unmarshal(data, v); err != nil {
			return nil, base.CorruptionErrorf("decoding version: %v", err)
		}
		m.mu.current = v
	}

	kvs, err := store.List(ctx, metastore.CFPinnedSnapshot)
	if err != nil {
		return nil, errors.Wrap(err, "loading pinned snapshots")
	}
	for _, kv := range kvs {
		if len(kv.Key) != 4 {
			return nil, base.CorruptionErrorf("invalid pinned snapshot key %x", kv.Key)
		}
		var epochs []base.Epoch
		if err := json.Unmarshal(kv.Value, &epochs); err != nil {
			return nil, base.CorruptionErrorf("decoding pinned snapshots: %v", err)
		}
		m.mu.pinned[binary.BigEndian.Uint32(kv.Key)] = epochs
	}
	return m, nil
}

// Current returns the current version. The version must not be modified.
func (m *Manager) Current() *Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.current
}

// LatestSnapshot returns a snapshot at the max committed epoch.
func (m *Manager) LatestSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Epoch: m.mu.current.MaxCommittedEpoch}
}

// CommitEpoch makes the tables of epoch visible. Epochs must be committed in
// strictly increasing order.
func (m *Manager) CommitEpoch(ctx context.Context, epoch base.Epoch, ssts []sstable.LocalInfo) error {
	tables := make([]sstable.Info, len(ssts))
	for i := range ssts {
		tables[i] = ssts[i].Info
	}
	if err := validateTables(tables); err != nil {
		return errors.Wrapf(err, "committing epoch %d", epoch)
	}
	m.mu.Lock()
	cur := m.mu.current
	if epoch <= cur.MaxCommittedEpoch {
		m.mu.Unlock()
		return errors.Newf("epoch %d is not greater than the max committed epoch %d",
			epoch, cur.MaxCommittedEpoch)
	}
	next := cur.clone()
	next.ID++
	next.MaxCommittedEpoch = epoch
	if len(tables) > 0 {
		sortTables(tables)
		next.L0 = append(next.L0, SubLevel{Epoch: epoch, Tables: tables})
	}
	data, err := json.Marshal(next)
	if err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, "encoding version")
	}
	if err := m.store.Put(ctx, metastore.CFVersion, currentVersionKey, data); err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "persisting version %d", next.ID)
	}
	m.mu.current = next
	subs := make([]func(*Version), 0, len(m.mu.subscribers))
	for _, fn := range m.mu.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.opts.Logger.Infof("committed epoch %s: %d tables, version %d", epoch, len(ssts), next.ID)
	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// AbortEpoch discards the tables uploaded for an epoch that will never be
// committed.
func (m *Manager) AbortEpoch(ctx context.Context, epoch base.Epoch, ssts []sstable.LocalInfo) error {
	m.opts.Logger.Infof("aborting epoch %s with %d tables", epoch, len(ssts))
	if m.opts.ObjectStore == nil {
		return nil
	}
	var err error
	for _, sst := range ssts {
		err = errors.CombineErrors(err,
			m.opts.ObjectStore.Delete(ctx, sstable.ObjectName(sst.Info.ObjectID)))
	}
	return err
}

func pinnedKey(contextID uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, contextID)
}

func (m *Manager) persistPinnedLocked(ctx context.Context, contextID uint32, epochs []base.Epoch) error {
	if len(epochs) == 0 {
		return m.store.Delete(ctx, metastore.CFPinnedSnapshot, pinnedKey(contextID))
	}
	data, err := json.Marshal(epochs)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, metastore.CFPinnedSnapshot, pinnedKey(contextID), data)
}

// PinSnapshot pins the latest snapshot on behalf of contextID. Tables visible
// in a pinned snapshot are retained until it is unpinned.
func (m *Manager) PinSnapshot(ctx context.Context, contextID uint32) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Epoch: m.mu.current.MaxCommittedEpoch}
	epochs := append(slices.Clone(m.mu.pinned[contextID]), snap.Epoch)
	if err := m.persistPinnedLocked(ctx, contextID, epochs); err != nil {
		return Snapshot{}, errors.Wrapf(err, "pinning snapshot %s", snap.Epoch)
	}
	m.mu.pinned[contextID] = epochs
	return snap, nil
}

// UnpinSnapshot releases a snapshot pinned by contextID.
func (m *Manager) UnpinSnapshot(ctx context.Context, contextID uint32, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	epochs := slices.Clone(m.mu.pinned[contextID])
	i := slices.Index(epochs, snap.Epoch)
	if i < 0 {
		return errors.Newf("snapshot %s is not pinned by context %d", snap.Epoch, contextID)
	}
	epochs = slices.Delete(epochs, i, i+1)
	if err := m.persistPinnedLocked(ctx, contextID, epochs); err != nil {
		return errors.Wrapf(err, "unpinning snapshot %s", snap.Epoch)
	}
	if len(epochs) == 0 {
		delete(m.mu.pinned, contextID)
	} else {
		m.mu.pinned[contextID] = epochs
	}
	return nil
}

// MinPinnedEpoch returns the smallest pinned epoch, or false if no snapshot
// is pinned.
func (m *Manager) MinPinnedEpoch() (base.Epoch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res base.Epoch
	found := false
	for _, epochs := range m.mu.pinned {
		for _, e := range epochs {
			if !found || e < res {
				res, found = e, true
			}
		}
	}
	return res, found
}

// Subscribe registers fn to be called with every newly committed version.
// The returned function unregisters it.
func (m *Manager) Subscribe(fn func(*Version)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.mu.nextSubID
	m.mu.nextSubID++
	m.mu.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.mu.subscribers, id)
	}
}
