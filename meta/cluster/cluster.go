// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cluster tracks the worker nodes of a cluster and the placement of
// streaming actors on them.
package cluster

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/streampb"
)

// ErrNodeNotFound is returned for unknown worker nodes.
var ErrNodeNotFound = errors.New("cluster: worker node not found")

func workerKey(id streampb.WorkerID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

// Manager is the registry of worker nodes. Every change is persisted in the
// meta-store before it becomes visible.
type Manager struct {
	store  metastore.MetaStore
	logger base.Logger
	mu     struct {
		sync.Mutex
		nodes  map[streampb.WorkerID]streampb.WorkerNode
		nextID streampb.WorkerID
	}
}

// NewManager loads the worker nodes persisted in store.
func NewManager(ctx context.Context, store metastore.MetaStore, logger base.Logger) (*Manager, error) {
	if logger == nil {
		logger = base.DefaultLogger
	}
	m := &Manager{store: store, logger: logger}
	m.mu.nodes = make(map[streampb.WorkerID]streampb.WorkerNode)
	m.mu.nextID = 1
	kvs, err := store.List(ctx, metastore.CFWorkerNode)
	if err != nil {
		return nil, errors.Wrap(err, "loading worker nodes")
	}
	for _, kv := range kvs {
		var n streampb.WorkerNode
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			return nil, base.CorruptionErrorf("decoding worker node: %v", err)
		}
		m.mu.nodes[n.ID] = n
		m.mu.nextID = max(m.mu.nextID, n.ID+1)
	}
	return m, nil
}

func (m *Manager) putLocked(ctx context.Context, n streampb.WorkerNode) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, metastore.CFWorkerNode, workerKey(n.ID), data); err != nil {
		return errors.Wrapf(err, "persisting worker %d", n.ID)
	}
	m.mu.nodes[n.ID] = n
	return nil
}

func (m *Manager) findLocked(host streampb.HostAddress) (streampb.WorkerNode, bool) {
	for _, n := range m.mu.nodes {
		if n.Host == host {
			return n, true
		}
	}
	return streampb.WorkerNode{}, false
}

// AddWorkerNode registers a node in the Starting state. Registering a known
// host returns the existing node.
func (m *Manager) AddWorkerNode(
	ctx context.Context, host streampb.HostAddress, typ streampb.WorkerType,
) (streampb.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.findLocked(host); ok {
		return n, nil
	}
	n := streampb.WorkerNode{ID: m.mu.nextID, Type: typ, Host: host, State: streampb.WorkerStateStarting}
	if err := m.putLocked(ctx, n); err != nil {
		return streampb.WorkerNode{}, err
	}
	m.mu.nextID++
	m.logger.Infof("cluster: added %s worker %d at %s", typ, n.ID, host)
	return n, nil
}

// ActivateWorkerNode moves the node at host to the Running state.
func (m *Manager) ActivateWorkerNode(ctx context.Context, host streampb.HostAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.findLocked(host)
	if !ok {
		return errors.Wrapf(ErrNodeNotFound, "%s", host)
	}
	if n.State == streampb.WorkerStateRunning {
		return nil
	}
	n.State = streampb.WorkerStateRunning
	return m.putLocked(ctx, n)
}

// DeleteWorkerNode removes the node at host.
func (m *Manager) DeleteWorkerNode(ctx context.Context, host streampb.HostAddress) (streampb.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.findLocked(host)
	if !ok {
		return streampb.WorkerNode{}, errors.Wrapf(ErrNodeNotFound, "%s", host)
	}
	if err := m.store.Delete(ctx, metastore.CFWorkerNode, workerKey(n.ID)); err != nil {
		return streampb.WorkerNode{}, err
	}
	delete(m.mu.nodes, n.ID)
	m.logger.Infof("cluster: deleted worker %d at %s", n.ID, host)
	return n, nil
}

// ListWorkerNodes returns the nodes of type typ in the given state, ordered
// by id. WorkerStateUnspecified matches every state.
func (m *Manager) ListWorkerNodes(typ streampb.WorkerType, state streampb.WorkerState) []streampb.WorkerNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []streampb.WorkerNode
	for _, n := range m.mu.nodes {
		if n.Type != typ {
			continue
		}
		if state != streampb.WorkerStateUnspecified && n.State != state {
			continue
		}
		res = append(res, n)
	}
	slices.SortFunc(res, func(a, b streampb.WorkerNode) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

// Node returns the node with the given id.
func (m *Manager) Node(id streampb.WorkerID) (streampb.WorkerNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.mu.nodes[id]
	return n, ok
}
