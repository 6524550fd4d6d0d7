// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFullKeyOrdering(t *testing.T) {
	keys := [][]byte{
		MakeFullKey([]byte("b"), 1),
		MakeFullKey([]byte("a"), 1),
		MakeFullKey([]byte("ab"), 3),
		MakeFullKey([]byte("a"), 7),
		MakeFullKey([]byte("b"), 9),
	}
	sort.Slice(keys, func(i, j int) bool { return CompareFullKeys(keys[i], keys[j]) < 0 })
	var got []string
	for _, k := range keys {
		got = append(got, FormatFullKey(k))
	}
	require.Equal(t, []string{
		"\"a\"@7", "\"a\"@1", "\"ab\"@3", "\"b\"@9", "\"b\"@1",
	}, got)

	uk, e := SplitFullKey(MakeFullKey([]byte("xyz"), 12345))
	require.Equal(t, []byte("xyz"), uk)
	require.Equal(t, Epoch(12345), e)
	require.Panics(t, func() { SplitFullKey([]byte("short")) })
}

func TestKeyRangeOverlap(t *testing.T) {
	r := KeyRange{Left: MakeFullKey([]byte("c"), 2), Right: MakeFullKey([]byte("f"), 2)}
	require.True(t, r.OverlapsUserKeys([]byte("a"), []byte("c")))
	require.True(t, r.OverlapsUserKeys([]byte("d"), []byte("e")))
	require.True(t, r.OverlapsUserKeys([]byte("f"), nil))
	require.True(t, r.OverlapsUserKeys(nil, nil))
	require.False(t, r.OverlapsUserKeys([]byte("a"), []byte("b")))
	require.False(t, r.OverlapsUserKeys([]byte("g"), nil))

	full := FullKeyRangeForUserKeys([]byte("c"), []byte("c"))
	require.LessOrEqual(t, CompareFullKeys(full.Left, MakeFullKey([]byte("c"), 100)), 0)
	require.GreaterOrEqual(t, CompareFullKeys(full.Right, MakeFullKey([]byte("c"), 1)), 0)
}
