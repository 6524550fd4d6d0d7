// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cluster

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/streampb"
)

// ErrTableNotFound is returned for unknown tables.
var ErrTableNotFound = errors.New("cluster: table fragments not found")

// TableState is the lifecycle state of the fragments of a table.
type TableState uint8

const (
	// TableCreating is set between the start of a create materialized view
	// and the collection of its barrier.
	TableCreating TableState = iota
	// TableCreated is set once the actors of the table run.
	TableCreated
)

// String implements fmt.Stringer.
func (s TableState) String() string {
	if s == TableCreating {
		return "creating"
	}
	return "created"
}

// Fragment is a set of actors running the same part of a streaming job.
type Fragment struct {
	ID     streampb.FragmentID    `json:"id"`
	Actors []streampb.StreamActor `json:"actors"`
}

// TableFragments is the streaming job of a table.
type TableFragments struct {
	TableID   streampb.TableID `json:"table_id"`
	State     TableState       `json:"state"`
	Fragments []Fragment       `json:"fragments"`
	// Locations maps every actor to the worker running it.
	Locations map[streampb.ActorID]streampb.WorkerID `json:"locations"`
}

// Actors returns every actor of the table.
func (t *TableFragments) Actors() []streampb.StreamActor {
	var res []streampb.StreamActor
	for _, f := range t.Fragments {
		res = append(res, f.Actors...)
	}
	return res
}

// ActorIDs returns the ids of every actor of the table.
func (t *TableFragments) ActorIDs() []streampb.ActorID {
	var res []streampb.ActorID
	for _, a := range t.Actors() {
		res = append(res, a.ActorID)
	}
	return res
}

// ChainActorIDs returns the actors backfilling from an upstream table.
func (t *TableFragments) ChainActorIDs() []streampb.ActorID {
	var res []streampb.ActorID
	for _, a := range t.Actors() {
		if a.IsChain {
			res = append(res, a.ActorID)
		}
	}
	return res
}

// SourceActorIDs returns the actors reading a source.
func (t *TableFragments) SourceActorIDs() []streampb.ActorID {
	var res []streampb.ActorID
	for _, a := range t.Actors() {
		if a.IsSource {
			res = append(res, a.ActorID)
		}
	}
	return res
}

// WorkerActors groups the actors of the table by worker.
func (t *TableFragments) WorkerActors() map[streampb.WorkerID][]streampb.StreamActor {
	res := make(map[streampb.WorkerID][]streampb.StreamActor)
	for _, a := range t.Actors() {
		w := t.Locations[a.ActorID]
		res[w] = append(res[w], a)
	}
	return res
}

// Schedule places the actors of t round-robin on nodes.
func Schedule(t *TableFragments, nodes []streampb.WorkerNode) error {
	if len(nodes) == 0 {
		return errors.New("cluster: no worker node to schedule actors on")
	}
	t.Locations = make(map[streampb.ActorID]streampb.WorkerID)
	for i, a := range t.Actors() {
		t.Locations[a.ActorID] = nodes[i%len(nodes)].ID
	}
	return nil
}

// ActorInfos is a snapshot of the actors barriers flow through.
type ActorInfos struct {
	// ActorMaps holds, per worker, the actors that collect barriers.
	ActorMaps map[streampb.WorkerID][]streampb.ActorID
	// BarrierInjectActorMaps holds, per worker, the actors barriers are
	// injected into: those without upstream actors.
	BarrierInjectActorMaps map[streampb.WorkerID][]streampb.ActorID
}

func tableKey(id streampb.TableID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

// FragmentManager owns the table fragments of the cluster. Every change is
// persisted in the meta-store before it becomes visible.
type FragmentManager struct {
	store  metastore.MetaStore
	logger base.Logger
	mu     struct {
		sync.Mutex
		tables map[streampb.TableID]*TableFragments
	}
}

// NewFragmentManager loads the table fragments persisted in store.
func NewFragmentManager(ctx context.Context, store metastore.MetaStore, logger base.Logger) (*FragmentManager, error) {
	if logger == nil {
		logger = base.DefaultLogger
	}
	m := &FragmentManager{store: store, logger: logger}
	m.mu.tables = make(map[streampb.TableID]*TableFragments)
	kvs, err := store.List(ctx, metastore.CFTableFragments)
	if err != nil {
		return nil, errors.Wrap(err, "loading table fragments")
	}
	for _, kv := range kvs {
		t := &TableFragments{}
		if err := json.Unmarshal(kv.Value, t); err != nil {
			return nil, base.CorruptionErrorf("decoding table fragments: %v", err)
		}
		m.mu.tables[t.TableID] = t
	}
	return m, nil
}

func encodeTable(t *TableFragments) (metastore.Op, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return metastore.Op{}, err
	}
	return metastore.PutOp(metastore.CFTableFragments, tableKey(t.TableID), data), nil
}

func (m *FragmentManager) putLocked(ctx context.Context, tables ...*TableFragments) error {
	ops := make([]metastore.Op, len(tables))
	for i, t := range tables {
		var err error
		if ops[i], err = encodeTable(t); err != nil {
			return err
		}
	}
	if err := m.store.Txn(ctx, ops...); err != nil {
		return errors.Wrap(err, "persisting table fragments")
	}
	for _, t := range tables {
		m.mu.tables[t.TableID] = t
	}
	return nil
}

func cloneTable(t *TableFragments) *TableFragments {
	c := *t
	c.Fragments = slices.Clone(t.Fragments)
	c.Locations = maps.Clone(t.Locations)
	return &c
}

// StartCreateTableFragments records the fragments of a table being created.
func (m *FragmentManager) StartCreateTableFragments(ctx context.Context, t *TableFragments) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.tables[t.TableID]; ok {
		return errors.Newf("cluster: table %d already exists", t.TableID)
	}
	c := cloneTable(t)
	c.State = TableCreating
	return m.putLocked(ctx, c)
}

// FinishCreateTableFragments marks the fragments of a table created.
func (m *FragmentManager) FinishCreateTableFragments(ctx context.Context, id streampb.TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.mu.tables[id]
	if !ok {
		return errors.Wrapf(ErrTableNotFound, "table %d", id)
	}
	c := cloneTable(t)
	c.State = TableCreated
	return m.putLocked(ctx, c)
}

// DropTableFragments removes the fragments of a table.
func (m *FragmentManager) DropTableFragments(ctx context.Context, id streampb.TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.tables[id]; !ok {
		return errors.Wrapf(ErrTableNotFound, "table %d", id)
	}
	if err := m.store.Delete(ctx, metastore.CFTableFragments, tableKey(id)); err != nil {
		return err
	}
	delete(m.mu.tables, id)
	return nil
}

// TableFragments returns a copy of the fragments of a table.
func (m *FragmentManager) TableFragments(id streampb.TableID) (*TableFragments, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.mu.tables[id]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table %d", id)
	}
	return cloneTable(t), nil
}

// ListTableFragments returns copies of all table fragments ordered by table
// id.
func (m *FragmentManager) ListTableFragments() []*TableFragments {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]*TableFragments, 0, len(m.mu.tables))
	for _, t := range m.mu.tables {
		res = append(res, cloneTable(t))
	}
	slices.SortFunc(res, func(a, b *TableFragments) int {
		return cmp.Compare(a.TableID, b.TableID)
	})
	return res
}

// LoadAllActors returns the actors of created tables, plus those of the
// table being created if creating is non-nil.
func (m *FragmentManager) LoadAllActors(creating *streampb.TableID) ActorInfos {
	infos := ActorInfos{
		ActorMaps:              make(map[streampb.WorkerID][]streampb.ActorID),
		BarrierInjectActorMaps: make(map[streampb.WorkerID][]streampb.ActorID),
	}
	for _, t := range m.ListTableFragments() {
		if t.State != TableCreated && (creating == nil || *creating != t.TableID) {
			continue
		}
		for _, a := range t.Actors() {
			w := t.Locations[a.ActorID]
			infos.ActorMaps[w] = append(infos.ActorMaps[w], a.ActorID)
			if len(a.UpstreamActorIDs) == 0 {
				infos.BarrierInjectActorMaps[w] = append(infos.BarrierInjectActorMaps[w], a.ActorID)
			}
		}
	}
	return infos
}

// NodeActors returns the actors of every table, created or being created,
// grouped by worker, with their descriptors.
func (m *FragmentManager) NodeActors() map[streampb.WorkerID][]streampb.StreamActor {
	res := make(map[streampb.WorkerID][]streampb.StreamActor)
	for _, t := range m.ListTableFragments() {
		for w, actors := range t.WorkerActors() {
			res[w] = append(res[w], actors...)
		}
	}
	return res
}

// CleanDirtyFragments drops the fragments of tables still being created
// unless keep returns true for them, and returns the dropped tables.
func (m *FragmentManager) CleanDirtyFragments(
	ctx context.Context, keep func(streampb.TableID) bool,
) ([]streampb.TableID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []metastore.Op
	var dropped []streampb.TableID
	for id, t := range m.mu.tables {
		if t.State == TableCreating && !keep(id) {
			ops = append(ops, metastore.DeleteOp(metastore.CFTableFragments, tableKey(id)))
			dropped = append(dropped, id)
		}
	}
	if len(ops) == 0 {
		return nil, nil
	}
	if err := m.store.Txn(ctx, ops...); err != nil {
		return nil, errors.Wrap(err, "cleaning dirty fragments")
	}
	for _, id := range dropped {
		delete(m.mu.tables, id)
	}
	slices.Sort(dropped)
	m.logger.Infof("cluster: dropped fragments of creating tables %v", dropped)
	return dropped, nil
}

// MigrateActors moves the actors running on the keys of plan to the
// corresponding values.
func (m *FragmentManager) MigrateActors(
	ctx context.Context, plan map[streampb.WorkerID]streampb.WorkerID,
) error {
	if len(plan) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []*TableFragments
	for _, t := range m.mu.tables {
		var c *TableFragments
		for actor, w := range t.Locations {
			to, ok := plan[w]
			if !ok {
				continue
			}
			if c == nil {
				c = cloneTable(t)
			}
			c.Locations[actor] = to
		}
		if c != nil {
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := m.putLocked(ctx, changed...); err != nil {
		return err
	}
	m.logger.Infof("cluster: migrated actors %v", plan)
	return nil
}
