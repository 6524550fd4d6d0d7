// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"testing"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestEpochNext(t *testing.T) {
	now := EpochBaseTime.Add(10 * time.Second)
	e := EpochFromPhysicalTime(now)
	require.Equal(t, Epoch(10000<<epochPhysicalShift), e)
	require.Equal(t, now, e.PhysicalTime())

	// The clock did not advance: the next epoch is one more.
	require.Equal(t, e+1, e.NextAt(now))
	// The clock went backwards.
	require.Equal(t, e+1, e.NextAt(now.Add(-time.Second)))
	// The clock advanced.
	require.Equal(t, EpochFromPhysicalTime(now.Add(time.Millisecond)), e.NextAt(now.Add(time.Millisecond)))

	prev := InvalidEpoch
	for i := 0; i < 1000; i++ {
		next := prev.NextAt(now)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestEpochPairMonotonicity(t *testing.T) {
	p := MakeEpochPair(5, 6)
	require.Equal(t, Epoch(5), p.Prev)
	require.Equal(t, Epoch(6), p.Curr)
	require.Equal(t, "(5, 6)", p.String())

	require.Panics(t, func() { MakeEpochPair(6, 6) })
	require.Panics(t, func() { MakeEpochPair(7, 6) })
	require.Panics(t, func() { MaxEpoch.Next() })
}

func TestEpochSafeFormat(t *testing.T) {
	require.Equal(t, "42", Epoch(42).String())
	require.EqualValues(t, "epoch 42", redact.Sprintf("epoch %s", Epoch(42)))
	require.False(t, InvalidEpoch.IsValid())
}
