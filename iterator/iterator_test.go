// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package iterator

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/stretchr/testify/require"
)

// parseKVs parses "key@epoch=value" or "key@epoch=DEL" entries.
func parseKVs(t *testing.T, s string) []KV {
	var kvs []KV
	for _, f := range strings.Fields(s) {
		kv := strings.SplitN(f, "=", 2)
		var key string
		var epoch uint64
		at := strings.LastIndex(kv[0], "@")
		key = kv[0][:at]
		_, err := fmt.Sscan(kv[0][at+1:], &epoch)
		require.NoError(t, err)
		v := base.PutValue([]byte(kv[1]))
		if kv[1] == "DEL" {
			v = base.DeleteValue()
		}
		kvs = append(kvs, KV{Key: base.MakeFullKey([]byte(key), base.Epoch(epoch)), Value: v})
	}
	sort.SliceStable(kvs, func(i, j int) bool { return base.CompareFullKeys(kvs[i].Key, kvs[j].Key) < 0 })
	return kvs
}

func formatKVs(kvs []KV) string {
	var parts []string
	for _, kv := range kvs {
		parts = append(parts, fmt.Sprintf("%s=%s", base.FormatFullKey(kv.Key), kv.Value))
	}
	return strings.Join(parts, " ")
}

func TestOrderedMergeIter(t *testing.T) {
	newer := NewSliceIter(parseKVs(t, "a@5=new c@3=c3"))
	older := NewSliceIter(parseKVs(t, "a@5=old b@2=b2 c@4=c4"))
	m := NewOrderedMergeIter(newer, older)
	kvs, err := Collect(m)
	require.NoError(t, err)
	require.Equal(t,
		`"a"@5=PUT("new") "a"@5=PUT("old") "b"@2=PUT("b2") "c"@4=PUT("c4") "c"@3=PUT("c3")`,
		formatKVs(kvs))

	m.SeekGE(base.MakeFullKey([]byte("b"), base.MaxEpoch))
	require.True(t, m.Valid())
	require.Equal(t, `"b"@2`, base.FormatFullKey(m.Key()))
	require.NoError(t, m.Close())
}

func TestUnorderedMergeIter(t *testing.T) {
	m := NewUnorderedMergeIter(
		NewSliceIter(parseKVs(t, "b@1=b d@1=d")),
		NewSliceIter(parseKVs(t, "a@1=a c@1=c e@1=e")),
		NewSliceIter(nil),
	)
	kvs, err := Collect(m)
	require.NoError(t, err)
	require.Len(t, kvs, 5)
	for i := 1; i < len(kvs); i++ {
		require.Less(t, base.CompareFullKeys(kvs[i-1].Key, kvs[i].Key), 0)
	}
}

type errIter struct {
	SliceIter
	err error
}

func (e *errIter) Valid() bool  { return false }
func (e *errIter) Error() error { return e.err }

func TestMergeIterError(t *testing.T) {
	boom := errors.New("boom")
	m := NewOrderedMergeIter(NewSliceIter(parseKVs(t, "a@1=a")), &errIter{err: boom})
	m.First()
	require.False(t, m.Valid())
	require.ErrorIs(t, m.Error(), boom)
}

func TestUserIterator(t *testing.T) {
	newer := NewSliceIter(parseKVs(t, "a@9=a9 b@7=DEL c@8=c8 e@6=e6"))
	older := NewSliceIter(parseKVs(t, "a@3=a3 b@3=b3 c@2=c2 d@4=d4 e@5=DEL"))

	collect := func(readEpoch base.Epoch, lower, upper string) string {
		var lo, hi []byte
		if lower != "" {
			lo = []byte(lower)
		}
		if upper != "" {
			hi = []byte(upper)
		}
		u := NewUserIterator(NewOrderedMergeIter(newer, older), readEpoch, lo, hi)
		var parts []string
		for u.First(); u.Valid(); u.Next() {
			parts = append(parts, fmt.Sprintf("%s:%s", u.Key(), u.Value()))
		}
		require.NoError(t, u.Error())
		return strings.Join(parts, " ")
	}

	require.Equal(t, "a:a9 c:c8 d:d4 e:e6", collect(base.MaxEpoch, "", ""))
	require.Equal(t, "a:a3 b:b3 c:c2 d:d4", collect(5, "", ""))
	require.Equal(t, "a:a3 b:b3 c:c2", collect(3, "", ""))
	require.Equal(t, "b:b3 c:c2", collect(5, "b", "d"))
	require.Equal(t, "", collect(1, "", ""))

	u := NewUserIterator(NewOrderedMergeIter(newer, older), base.MaxEpoch, nil, nil)
	u.SeekGE([]byte("bb"))
	require.True(t, u.Valid())
	require.Equal(t, "c", string(u.Key()))
	require.NoError(t, u.Close())
}
