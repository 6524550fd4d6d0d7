// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package hummock implements the node-local state store of a compute node.
//
// Writes are staged per epoch in shared buffers. Background flushes turn
// write batches into sorted tables uploaded to the object store, and syncing
// an epoch uploads whatever remains so that the epoch's tables can be
// committed by the meta node. Reads merge the shared buffers with the tables
// of the committed version.
package hummock

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/version"
	"github.com/cockroachdb/hummock/sharedbuffer"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/panjf2000/ants/v2"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("hummock: closed")

// objectIDSeqBits is the number of low bits of an object ID holding the
// per-node sequence number.
const objectIDSeqBits = 40

// epochBuffer is the shared buffer of one epoch.
type epochBuffer struct {
	epoch base.Epoch
	buf   *sharedbuffer.SharedBuffer
	// sealed is set once the epoch is being synced. Sealed buffers accept no
	// writes and no flushes.
	sealed bool
	// flushes tracks the background upload tasks of the buffer.
	flushes sync.WaitGroup
}

// Store is the node-local state store.
type Store struct {
	opts *Options

	ctx    context.Context
	cancel context.CancelFunc

	pool    *ants.Pool
	uploads sync.WaitGroup
	pacer   pacer
	tables  tableCache

	// globalUploadTaskSize is shared by the shared buffers of all epochs.
	globalUploadTaskSize atomic.Int64
	nextObjectSeq        atomic.Uint64
	closed               atomic.Bool

	mu struct {
		sync.Mutex
		buffers map[base.Epoch]*epochBuffer
		version *version.Version
	}
}

// Open returns a store uploading to opts.ObjectStore.
func Open(ctx context.Context, opts *Options) (*Store, error) {
	opts = opts.EnsureDefaults()
	if opts.ObjectStore == nil {
		return nil, errors.New("hummock: an object store is required")
	}
	s := &Store{opts: opts}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.buffers = make(map[base.Epoch]*epochBuffer)
	s.mu.version = &version.Version{}
	s.tables.init(opts.ObjectStore)
	s.pacer.init(opts.UploadBytesPerSec)

	// Resume the object sequence after the objects this node uploaded before.
	names, err := opts.ObjectStore.List(ctx, "")
	if err != nil {
		s.cancel()
		return nil, errors.Wrap(err, "listing objects")
	}
	for _, name := range names {
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil || !strings.HasSuffix(name, ".sst") {
			continue
		}
		if uint32(id>>objectIDSeqBits) == opts.NodeID {
			s.nextObjectSeq.Store(max(s.nextObjectSeq.Load(), id&(1<<objectIDSeqBits-1)))
		}
	}

	s.pool, err = ants.NewPool(opts.UploadConcurrency, ants.WithPanicHandler(func(p interface{}) {
		opts.Logger.Fatalf("hummock: upload task panicked: %v", p)
	}))
	if err != nil {
		s.cancel()
		return nil, errors.Wrap(err, "creating upload pool")
	}
	return s, nil
}

// Close waits for background uploads and releases the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.cancel()
	s.uploads.Wait()
	s.pool.Release()
	return nil
}

func (s *Store) nextObjectID() uint64 {
	return uint64(s.opts.NodeID)<<objectIDSeqBits | s.nextObjectSeq.Add(1)
}

func (s *Store) bufferLocked(epoch base.Epoch) (*epochBuffer, error) {
	if epoch <= s.mu.version.MaxCommittedEpoch {
		return nil, errors.Newf("hummock: epoch %s is already committed", epoch)
	}
	eb, ok := s.mu.buffers[epoch]
	if !ok {
		eb = &epochBuffer{epoch: epoch, buf: sharedbuffer.New(&s.globalUploadTaskSize)}
		s.mu.buffers[epoch] = eb
	}
	if eb.sealed {
		return nil, errors.Newf("hummock: epoch %s is sealed", epoch)
	}
	return eb, nil
}

func (s *Store) sizeLocked() uint64 {
	var n uint64
	for _, eb := range s.mu.buffers {
		n += eb.buf.Size()
	}
	return n
}

// Ingest writes entries at epoch. Values of put entries are encoded rows.
func (s *Store) Ingest(epoch base.Epoch, entries []sharedbuffer.Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	batch := sharedbuffer.NewBatch(epoch, entries)
	s.mu.Lock()
	eb, err := s.bufferLocked(epoch)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	eb.buf.WriteBatch(batch)
	size := s.sizeLocked()
	s.mu.Unlock()

	s.opts.Metrics.SharedBufferSize.Set(float64(size))
	if size >= s.opts.flushThresholdBytes() {
		s.MayFlush()
	}
	return nil
}

// ReplicateBatch mirrors entries written at epoch by another node.
func (s *Store) ReplicateBatch(epoch base.Epoch, entries []sharedbuffer.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := sharedbuffer.NewBatch(epoch, entries)
	s.mu.Lock()
	defer s.mu.Unlock()
	eb, err := s.bufferLocked(epoch)
	if err != nil {
		return err
	}
	eb.buf.ReplicateBatch(batch)
	return nil
}

type pendingUpload struct {
	eb   *epochBuffer
	task sharedbuffer.UploadTask
}

// MayFlush starts flush upload tasks for the write batches of unsealed
// epochs, oldest epoch first.
func (s *Store) MayFlush() {
	if s.closed.Load() {
		return
	}
	var pending []pendingUpload
	s.mu.Lock()
	for _, epoch := range s.epochsLocked() {
		eb := s.mu.buffers[epoch]
		if eb.sealed {
			continue
		}
		for {
			task, ok := eb.buf.NewUploadTask(sharedbuffer.FlushWriteBatch)
			if !ok {
				break
			}
			eb.flushes.Add(1)
			s.uploads.Add(1)
			pending = append(pending, pendingUpload{eb: eb, task: task})
		}
	}
	s.mu.Unlock()
	s.opts.Metrics.UploadTaskSize.Set(float64(s.globalUploadTaskSize.Load()))

	// Submit blocks while the pool is saturated, so it must not be called
	// with the mutex held.
	for _, p := range pending {
		err := s.pool.Submit(func() {
			defer s.uploads.Done()
			defer p.eb.flushes.Done()
			if err := s.runUpload(s.ctx, p.eb, p.task); err != nil {
				s.opts.Logger.Errorf("hummock: flushing epoch %s: %v", p.eb.epoch, err)
			}
		})
		if err != nil {
			s.mu.Lock()
			p.eb.buf.FailUploadTask(p.task.OrderIndex)
			s.mu.Unlock()
			p.eb.flushes.Done()
			s.uploads.Done()
		}
	}
}

func (s *Store) epochsLocked() []base.Epoch {
	epochs := make([]base.Epoch, 0, len(s.mu.buffers))
	for e := range s.mu.buffers {
		epochs = append(epochs, e)
	}
	slices.Sort(epochs)
	return epochs
}

// SyncEpoch seals epoch, waits for its flushes, uploads the remaining data
// and returns the tables to commit for it.
func (s *Store) SyncEpoch(ctx context.Context, epoch base.Epoch) ([]sstable.LocalInfo, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	eb, ok := s.mu.buffers[epoch]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	eb.sealed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	task, ok := eb.buf.NewUploadTask(sharedbuffer.SyncEpoch)
	s.mu.Unlock()
	if ok {
		if err := s.runUpload(ctx, eb, task); err != nil {
			return nil, errors.Wrapf(err, "syncing epoch %s", epoch)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return eb.buf.GetSSTsToCommit(), nil
}

// ApplyVersion adopts a newly committed version and releases the shared
// buffers of committed epochs.
func (s *Store) ApplyVersion(v *version.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID < s.mu.version.ID {
		return
	}
	s.mu.version = v
	for epoch := range s.mu.buffers {
		if epoch <= v.MaxCommittedEpoch {
			delete(s.mu.buffers, epoch)
		}
	}
	s.opts.Metrics.SharedBufferSize.Set(float64(s.sizeLocked()))
}

// Version returns the committed version the store reads from.
func (s *Store) Version() *version.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.version
}

// Clear drops all shared buffers. Uploads still running complete into
// buffers that are no longer reachable.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.buffers = make(map[base.Epoch]*epochBuffer)
	s.opts.Metrics.SharedBufferSize.Set(0)
}

// SharedBufferSize returns the bytes held by all shared buffers.
func (s *Store) SharedBufferSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeLocked()
}

// UploadTaskSize returns the bytes of write batches being uploaded.
func (s *Store) UploadTaskSize() int64 {
	return s.globalUploadTaskSize.Load()
}
