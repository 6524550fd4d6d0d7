// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package objstorage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemStore is an in-memory ObjectStore.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ ObjectStore = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Upload(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "%s", errors.Safe(name))
	}
	return data, nil
}

func (s *MemStore) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) ReadRange(
	ctx context.Context, name string, offset, length uint64,
) ([]byte, error) {
	data, err := s.get(name)
	if err != nil {
		return nil, err
	}
	if err := checkRange(name, uint64(len(data)), offset, length); err != nil {
		return nil, err
	}
	return append([]byte(nil), data[offset:offset+length]...), nil
}

func (s *MemStore) Size(ctx context.Context, name string) (uint64, error) {
	data, err := s.get(name)
	return uint64(len(data)), err
}

func (s *MemStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	return nil
}

func (s *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) Close() error {
	return nil
}
