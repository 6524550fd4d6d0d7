// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package objstorage

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
)

// FSStore is an ObjectStore holding every object as a file of a directory
// of a vfs.FS. Objects are written to a temporary file which is synced and
// renamed into place.
type FSStore struct {
	fs      vfs.FS
	dirname string
}

var _ ObjectStore = (*FSStore)(nil)

const tempSuffix = ".tmp"

// NewFSStore returns an FSStore rooted at dirname, creating it if needed.
func NewFSStore(fs vfs.FS, dirname string) (*FSStore, error) {
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating object directory %s", dirname)
	}
	return &FSStore{fs: fs, dirname: dirname}, nil
}

func (s *FSStore) path(name string) string {
	return s.fs.PathJoin(s.dirname, name)
}

func (s *FSStore) wrapNotExist(err error, name string) error {
	if oserror.IsNotExist(err) {
		return errors.Wrapf(ErrNotExist, "%s", errors.Safe(name))
	}
	return err
}

func (s *FSStore) syncDir() error {
	dir, err := s.fs.OpenDir(s.dirname)
	if err != nil {
		return err
	}
	return errors.CombineErrors(dir.Sync(), dir.Close())
}

func (s *FSStore) Upload(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := s.path(name + tempSuffix)
	f, err := s.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := errors.CombineErrors(f.Sync(), f.Close()); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path(name)); err != nil {
		return err
	}
	return s.syncDir()
}

func (s *FSStore) Read(ctx context.Context, name string) ([]byte, error) {
	f, err := s.fs.Open(s.path(name))
	if err != nil {
		return nil, s.wrapNotExist(err, name)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FSStore) ReadRange(
	ctx context.Context, name string, offset, length uint64,
) ([]byte, error) {
	f, err := s.fs.Open(s.path(name))
	if err != nil {
		return nil, s.wrapNotExist(err, name)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := checkRange(name, uint64(stat.Size()), offset, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	// https://pkg.go.dev/io#ReaderAt
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return buf, err
}

func (s *FSStore) Size(ctx context.Context, name string) (uint64, error) {
	stat, err := s.fs.Stat(s.path(name))
	if err != nil {
		return 0, s.wrapNotExist(err, name)
	}
	return uint64(stat.Size()), nil
}

func (s *FSStore) Delete(ctx context.Context, name string) error {
	if err := s.fs.Remove(s.path(name)); err != nil && !oserror.IsNotExist(err) {
		return err
	}
	return s.syncDir()
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	files, err := s.fs.List(s.dirname)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(files))
	for _, name := range files {
		if strings.HasPrefix(name, prefix) && !strings.HasSuffix(name, tempSuffix) {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (s *FSStore) Close() error {
	return nil
}
