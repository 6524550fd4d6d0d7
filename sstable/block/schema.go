// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

// ColumnType is the type of a column. Its value is the type byte written in
// the block trailer.
type ColumnType uint8

const (
	ColumnTypeBool ColumnType = iota + 1
	ColumnTypeInt16
	ColumnTypeInt32
	ColumnTypeInt64
	ColumnTypeFloat32
	ColumnTypeFloat64
	ColumnTypeVarchar
	ColumnTypeBytea
	numColumnTypes
)

// FixedWidth returns the width in bytes of a fixed-width column type, or
// (0, false) for variable-width types.
func (t ColumnType) FixedWidth() (int, bool) {
	switch t {
	case ColumnTypeBool:
		return 1, true
	case ColumnTypeInt16:
		return 2, true
	case ColumnTypeInt32, ColumnTypeFloat32:
		return 4, true
	case ColumnTypeInt64, ColumnTypeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

// Valid returns true if t is a known column type.
func (t ColumnType) Valid() bool {
	return t >= ColumnTypeBool && t < numColumnTypes
}

// String implements fmt.Stringer.
func (t ColumnType) String() string {
	switch t {
	case ColumnTypeBool:
		return "bool"
	case ColumnTypeInt16:
		return "int16"
	case ColumnTypeInt32:
		return "int32"
	case ColumnTypeInt64:
		return "int64"
	case ColumnTypeFloat32:
		return "float32"
	case ColumnTypeFloat64:
		return "float64"
	case ColumnTypeVarchar:
		return "varchar"
	case ColumnTypeBytea:
		return "bytea"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseColumnType parses the output of ColumnType.String.
func ParseColumnType(s string) (ColumnType, error) {
	for t := ColumnTypeBool; t < numColumnTypes; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.Newf("unknown column type %q", s)
}

// Schema is the ordered list of column types of the rows of a table.
type Schema []ColumnType

// DefaultSchema stores a row value as a single opaque bytea column.
var DefaultSchema = Schema{ColumnTypeBytea}

// ParseSchema parses a comma separated list of column type names.
func ParseSchema(s string) (Schema, error) {
	var schema Schema
	for _, f := range strings.Split(s, ",") {
		t, err := ParseColumnType(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		schema = append(schema, t)
	}
	return schema, nil
}

// Equal returns true if both schemas have the same column types.
func (s Schema) Equal(o Schema) bool {
	return bytes.Equal(s.bytes(), o.bytes())
}

func (s Schema) bytes() []byte {
	b := make([]byte, len(s))
	for i, t := range s {
		b[i] = byte(t)
	}
	return b
}

// VariableColumns returns the number of variable-width columns.
func (s Schema) VariableColumns() int {
	n := 0
	for _, t := range s {
		if _, fixed := t.FixedWidth(); !fixed {
			n++
		}
	}
	return n
}

// String implements fmt.Stringer.
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// Datum is a single column value in its binary form: little-endian for
// fixed-width types and raw bytes for variable-width types. A nil Datum is
// NULL.
type Datum []byte

// Row is the list of datums of a row, in schema order.
type Row []Datum

func DatumBool(v bool) Datum {
	if v {
		return Datum{1}
	}
	return Datum{0}
}

func DatumInt16(v int16) Datum {
	return binary.LittleEndian.AppendUint16(nil, uint16(v))
}

func DatumInt32(v int32) Datum {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func DatumInt64(v int64) Datum {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func DatumFloat32(v float32) Datum {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
}

func DatumFloat64(v float64) Datum {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
}

// DatumBytes returns a variable-width datum. A nil slice is stored as an
// empty, non-NULL value.
func DatumBytes(v []byte) Datum {
	if v == nil {
		return Datum{}
	}
	return Datum(v)
}

func DatumString(v string) Datum {
	if v == "" {
		return Datum{}
	}
	return Datum(v)
}

// IsNull returns true for NULL.
func (d Datum) IsNull() bool {
	return d == nil
}

func (d Datum) Bool() bool {
	return d[0] != 0
}

func (d Datum) Int16() int16 {
	return int16(binary.LittleEndian.Uint16(d))
}

func (d Datum) Int32() int32 {
	return int32(binary.LittleEndian.Uint32(d))
}

func (d Datum) Int64() int64 {
	return int64(binary.LittleEndian.Uint64(d))
}

func (d Datum) Float32() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(d))
}

func (d Datum) Float64() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(d))
}

// Format returns a human readable form of the datum for the column type.
func (d Datum) Format(t ColumnType) string {
	if d.IsNull() {
		return "NULL"
	}
	switch t {
	case ColumnTypeBool:
		return fmt.Sprint(d.Bool())
	case ColumnTypeInt16:
		return fmt.Sprint(d.Int16())
	case ColumnTypeInt32:
		return fmt.Sprint(d.Int32())
	case ColumnTypeInt64:
		return fmt.Sprint(d.Int64())
	case ColumnTypeFloat32:
		return fmt.Sprint(d.Float32())
	case ColumnTypeFloat64:
		return fmt.Sprint(d.Float64())
	case ColumnTypeVarchar:
		return string(d)
	default:
		return fmt.Sprintf("%x", []byte(d))
	}
}
