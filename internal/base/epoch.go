// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Epoch is a logical timestamp marking a snapshot boundary. The high 48 bits
// hold milliseconds since EpochBaseTime and the low 16 bits disambiguate
// epochs allocated within the same millisecond.
type Epoch uint64

// InvalidEpoch is the sentinel denoting "no epoch".
const InvalidEpoch Epoch = 0

// MaxEpoch is the largest representable epoch.
const MaxEpoch Epoch = math.MaxUint64

const epochPhysicalShift = 16

// EpochBaseTime is the physical time represented by the epoch with zero
// physical component (2021-04-01 00:00:00 UTC).
var EpochBaseTime = time.Date(2021, time.April, 1, 0, 0, 0, 0, time.UTC)

// EpochFromPhysicalTime returns the smallest epoch at the given time.
func EpochFromPhysicalTime(t time.Time) Epoch {
	ms := t.Sub(EpochBaseTime).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return Epoch(uint64(ms) << epochPhysicalShift)
}

// IsValid returns true unless e is the invalid sentinel.
func (e Epoch) IsValid() bool {
	return e != InvalidEpoch
}

// PhysicalTime returns the wall time the epoch was allocated at.
func (e Epoch) PhysicalTime() time.Time {
	return EpochBaseTime.Add(time.Duration(uint64(e)>>epochPhysicalShift) * time.Millisecond)
}

// Next returns the epoch following e using the current wall time.
func (e Epoch) Next() Epoch {
	return e.NextAt(time.Now())
}

// NextAt returns max(physical(now), e+1). The result is strictly greater
// than e.
func (e Epoch) NextAt(now time.Time) Epoch {
	if e == MaxEpoch {
		panic(errors.AssertionFailedf("epoch %d overflows", e))
	}
	next := EpochFromPhysicalTime(now)
	if next <= e {
		next = e + 1
	}
	return next
}

// String implements fmt.Stringer.
func (e Epoch) String() string {
	return redact.StringWithoutMarkers(e)
}

// SafeFormat implements redact.SafeFormatter.
func (e Epoch) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(e))
}

// EpochPair is the (curr, prev) pair carried by a barrier. Data written
// between the barrier of Prev and this barrier belongs to Prev.
type EpochPair struct {
	Curr Epoch `json:"curr"`
	Prev Epoch `json:"prev"`
}

// MakeEpochPair returns the pair for a barrier advancing from prev to curr.
// It panics if curr does not strictly follow prev.
func MakeEpochPair(prev, curr Epoch) EpochPair {
	if curr <= prev {
		panic(errors.AssertionFailedf("epoch must increase: prev %d, curr %d", prev, curr))
	}
	return EpochPair{Curr: curr, Prev: prev}
}

// String implements fmt.Stringer.
func (p EpochPair) String() string {
	return fmt.Sprintf("(%d, %d)", p.Prev, p.Curr)
}
