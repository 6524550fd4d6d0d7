// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/stretchr/testify/require"
)

func TestCompressionRoundtrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	seed := uint64(time.Now().UnixNano())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(0, seed))

	payloads := map[string][]byte{
		"empty":      {},
		"repetitive": bytes.Repeat([]byte("hummock"), 1000),
	}
	random := make([]byte, 1+rng.IntN(10<<10 /* 10 KiB */))
	for i := range random {
		random[i] = byte(rng.Uint32())
	}
	payloads["random"] = random

	for a := None; a < NumAlgorithms; a++ {
		for name, payload := range payloads {
			t.Run(a.String()+"/"+name, func(t *testing.T) {
				// Create a randomly-sized buffer to house the compressed output. If
				// it's not sufficient, Compress should allocate one that is.
				compressedBuf := make([]byte, 1+rng.IntN(1<<10 /* 1 KiB */))
				compressed := Compress(a, compressedBuf, payload)
				got, err := Decompress(a, compressed)
				require.NoError(t, err)
				require.Equal(t, len(payload), len(got))
				if len(payload) > 0 {
					require.Equal(t, payload, got)
				}
			})
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	for a := None; a < NumAlgorithms; a++ {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err)
		require.Equal(t, a, got)
	}
	_, err := ParseAlgorithm("gzip")
	require.Error(t, err)
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := Decompress(NumAlgorithms, []byte("x"))
	require.True(t, base.IsCorruptionError(err))
	require.Panics(t, func() { GetCompressor(NumAlgorithms) })
}

// TestDecompressionError tests that decompressing a value that does not
// decompress returns an error.
func TestDecompressionError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rng := rand.New(rand.NewPCG(0, 1 /* fixed seed */))

	// Create a buffer to represent a faux compressed block. It's prefixed with
	// a uvarint of the appropriate length, followed by garbage.
	fauxCompressed := make([]byte, 1<<10)
	compressedPayloadLen := len(fauxCompressed) - binary.MaxVarintLen64
	n := binary.PutUvarint(fauxCompressed, uint64(compressedPayloadLen))
	fauxCompressed = fauxCompressed[:n+compressedPayloadLen]
	for i := n; i < len(fauxCompressed); i++ {
		fauxCompressed[i] = byte(rng.Uint32())
	}

	for _, a := range []Algorithm{LZ4, Zstd} {
		v, err := Decompress(a, fauxCompressed)
		t.Log(err)
		require.Error(t, err)
		require.Nil(t, v)
	}
}

func TestLengthPrefixBounds(t *testing.T) {
	prefixed := func(v uint64, payloadLen int) []byte {
		return append(binary.AppendUvarint(nil, v), make([]byte, payloadLen)...)
	}
	for name, b := range map[string][]byte{
		"truncated":      {0x80},
		"max-uint64":     prefixed(math.MaxUint64, 64),
		"negative-int":   prefixed(1<<63, 64),
		"over-cap":       prefixed(maxDecompressedLen+1, maxDecompressedLen/maxCompressionRatio+1),
		"no-payload":     prefixed(1, 0),
		"over-expansion": prefixed(maxCompressionRatio+1, 1),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := readLengthPrefix(b)
			require.True(t, base.IsCorruptionError(err), "%v", err)
			for _, a := range []Algorithm{LZ4, Zstd} {
				v, err := Decompress(a, b)
				require.True(t, base.IsCorruptionError(err), "%s: %v", a, err)
				require.Nil(t, v)
			}
		})
	}

	n, prefixLen, err := readLengthPrefix(prefixed(maxCompressionRatio, 1))
	require.NoError(t, err)
	require.Equal(t, maxCompressionRatio, n)
	require.Equal(t, 3, prefixLen)
}
