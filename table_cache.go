// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/sstable"
	"golang.org/x/sync/singleflight"
)

// tableCache holds the readers of tables the store read or wrote. Concurrent
// loads of the same table share a single object store read.
type tableCache struct {
	objects objstorage.ObjectStore
	loads   singleflight.Group

	mu struct {
		sync.Mutex
		readers map[uint64]*sstable.Reader
	}
}

func (c *tableCache) init(objects objstorage.ObjectStore) {
	c.objects = objects
	c.mu.readers = make(map[uint64]*sstable.Reader)
}

func (c *tableCache) add(id uint64, r *sstable.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.readers[id] = r
}

func (c *tableCache) evict(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mu.readers, id)
}

func (c *tableCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mu.readers)
}

func (c *tableCache) get(ctx context.Context, id uint64) (*sstable.Reader, error) {
	c.mu.Lock()
	r, ok := c.mu.readers[id]
	c.mu.Unlock()
	if ok {
		return r, nil
	}
	v, err, _ := c.loads.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
		data, err := c.objects.Read(ctx, sstable.ObjectName(id))
		if err != nil {
			return nil, err
		}
		r, err := sstable.NewReader(data)
		if err != nil {
			return nil, errors.Wrapf(err, "table %d", id)
		}
		c.add(id, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sstable.Reader), nil
}
