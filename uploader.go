// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/iterator"
	"github.com/cockroachdb/hummock/sharedbuffer"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/cockroachdb/tokenbucket"
)

// pacer limits the upload bandwidth. TokenBucket is not safe for concurrent
// use so all access goes through the mutex.
type pacer struct {
	enabled bool
	mu      sync.Mutex
	limiter tokenbucket.TokenBucket
}

func (p *pacer) init(bytesPerSec uint64) {
	if bytesPerSec == 0 {
		return
	}
	p.enabled = true
	p.limiter.Init(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(bytesPerSec))
}

// wait blocks until n bytes may be uploaded.
func (p *pacer) wait(ctx context.Context, n int) error {
	if !p.enabled {
		return nil
	}
	for {
		p.mu.Lock()
		ok, d := p.limiter.TryToFulfill(tokenbucket.Tokens(n))
		p.mu.Unlock()
		if ok {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// runUpload uploads the payload of task and hands the outcome back to the
// shared buffer. A failed task returns its payload to the buffer.
func (s *Store) runUpload(ctx context.Context, eb *epochBuffer, task sharedbuffer.UploadTask) error {
	start := crtime.NowMono()
	ssts, err := s.uploadPayload(ctx, task.Payload)
	s.opts.Metrics.UploadLatency.Observe(start.Elapsed().Seconds())

	s.mu.Lock()
	if err != nil {
		eb.buf.FailUploadTask(task.OrderIndex)
		s.mu.Unlock()
		s.opts.Metrics.UploadFailures.Inc()
		s.opts.Metrics.UploadTaskSize.Set(float64(s.globalUploadTaskSize.Load()))
		return err
	}
	superseded := eb.buf.SucceedUploadTask(task.OrderIndex, ssts)
	size := s.sizeLocked()
	s.mu.Unlock()
	s.opts.Metrics.SharedBufferSize.Set(float64(size))
	s.opts.Metrics.UploadTaskSize.Set(float64(s.globalUploadTaskSize.Load()))

	for _, sst := range superseded {
		s.tables.evict(sst.Info.ObjectID)
		if err := s.opts.ObjectStore.Delete(ctx, sstable.ObjectName(sst.Info.ObjectID)); err != nil {
			s.opts.Logger.Errorf("hummock: deleting superseded table %d: %v", sst.Info.ObjectID, err)
		}
	}
	return nil
}

// uploadPayload merges the payload, newest data first, into tables of at
// most TargetFileSize bytes and uploads them.
func (s *Store) uploadPayload(
	ctx context.Context, payload sharedbuffer.OrderSortedData,
) (_ []sstable.LocalInfo, err error) {
	iter, err := sharedbuffer.NewOrderedIter(payload, func(info sstable.LocalInfo) (iterator.Iterator, error) {
		r, err := s.tables.get(ctx, info.Info.ObjectID)
		if err != nil {
			return nil, err
		}
		return r.NewIter(), nil
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.CombineErrors(err, iter.Close())
	}()

	var ssts []sstable.LocalInfo
	defer func() {
		if err == nil {
			return
		}
		// Tables uploaded before the failure are unreferenced.
		for _, sst := range ssts {
			s.tables.evict(sst.Info.ObjectID)
			_ = s.opts.ObjectStore.Delete(ctx, sstable.ObjectName(sst.Info.ObjectID))
		}
	}()
	var lastKey []byte
	w := sstable.NewWriter(s.opts.writerOptions())
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		// Equal full keys come from older data of the same epoch.
		if lastKey != nil && bytes.Equal(key, lastKey) {
			continue
		}
		lastKey = append(lastKey[:0], key...)
		if err := w.Add(key, iter.Value()); err != nil {
			return nil, err
		}
		if w.EstimatedSize() >= s.opts.TargetFileSize {
			info, err := s.finishTable(ctx, w)
			if err != nil {
				return nil, err
			}
			ssts = append(ssts, info)
			w = sstable.NewWriter(s.opts.writerOptions())
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if w.EntryCount() > 0 {
		info, err := s.finishTable(ctx, w)
		if err != nil {
			return nil, err
		}
		ssts = append(ssts, info)
	}
	return ssts, nil
}

func (s *Store) finishTable(ctx context.Context, w *sstable.Writer) (sstable.LocalInfo, error) {
	data, props, err := w.Finish()
	if err != nil {
		return sstable.LocalInfo{}, err
	}
	id := s.nextObjectID()
	if err := s.pacer.wait(ctx, len(data)); err != nil {
		return sstable.LocalInfo{}, err
	}
	if err := s.opts.ObjectStore.Upload(ctx, sstable.ObjectName(id), data); err != nil {
		return sstable.LocalInfo{}, errors.Wrapf(err, "uploading table %d", id)
	}
	s.opts.Metrics.UploadedBytes.Add(float64(len(data)))
	if r, err := sstable.NewReader(data); err == nil {
		s.tables.add(id, r)
	}
	return sstable.LocalInfo{
		CompactionGroupID: sstable.DefaultCompactionGroupID,
		Info: sstable.Info{
			ObjectID: id,
			KeyRange: base.KeyRange{Left: props.SmallestKey, Right: props.LargestKey},
			FileSize: uint64(len(data)),
			MinEpoch: props.MinEpoch,
			MaxEpoch: props.MaxEpoch,
		},
	}, nil
}
