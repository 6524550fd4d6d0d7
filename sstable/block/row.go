// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
)

// A row value is serialized column by column: one presence byte (0 for
// NULL), followed for present values by the fixed-width bytes or by a uvarint
// length and the variable-width bytes.

// EncodeRow appends the value encoding of row to dst.
func EncodeRow(dst []byte, schema Schema, row Row) ([]byte, error) {
	if len(row) != len(schema) {
		return nil, errors.Newf("row has %d columns, schema has %d", len(row), len(schema))
	}
	for i, t := range schema {
		d := row[i]
		if d.IsNull() {
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, 1)
		if w, fixed := t.FixedWidth(); fixed {
			if len(d) != w {
				return nil, errors.Newf("column %d (%s): datum has %d bytes, want %d", i, t, len(d), w)
			}
		} else {
			dst = binary.AppendUvarint(dst, uint64(len(d)))
		}
		dst = append(dst, d...)
	}
	return dst, nil
}

// MustEncodeRow is EncodeRow for rows known to match the schema.
func MustEncodeRow(schema Schema, row Row) []byte {
	b, err := EncodeRow(nil, schema, row)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeRow decodes a row value. The returned datums alias data.
func DecodeRow(schema Schema, data []byte) (Row, error) {
	row := make(Row, len(schema))
	for i, t := range schema {
		if len(data) == 0 {
			return nil, base.CorruptionErrorf("hummock: row truncated at column %d", errors.Safe(i))
		}
		present := data[0]
		data = data[1:]
		if present == 0 {
			continue
		}
		n, fixed := t.FixedWidth()
		if !fixed {
			v, k := binary.Uvarint(data)
			if k <= 0 {
				return nil, base.CorruptionErrorf("hummock: bad datum length at column %d", errors.Safe(i))
			}
			n = int(v)
			data = data[k:]
		}
		if len(data) < n {
			return nil, base.CorruptionErrorf("hummock: row truncated at column %d", errors.Safe(i))
		}
		row[i] = Datum(data[:n:n])
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, base.CorruptionErrorf("hummock: %d trailing bytes after row", errors.Safe(len(data)))
	}
	return row, nil
}
