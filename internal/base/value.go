// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "fmt"

// ValueKind distinguishes puts from deletes.
type ValueKind uint8

const (
	// ValueKindPut is a put of a row value.
	ValueKindPut ValueKind = iota
	// ValueKindDelete is a tombstone.
	ValueKindDelete
)

// Value is the value stored against a full key.
type Value struct {
	Kind ValueKind `json:"kind"`
	Data []byte    `json:"data,omitempty"`
}

// PutValue returns a put of data.
func PutValue(data []byte) Value {
	return Value{Kind: ValueKindPut, Data: data}
}

// DeleteValue returns a tombstone.
func DeleteValue() Value {
	return Value{Kind: ValueKindDelete}
}

// IsDelete returns true for tombstones.
func (v Value) IsDelete() bool {
	return v.Kind == ValueKindDelete
}

// Size is the in-memory accounting size of the value.
func (v Value) Size() int {
	return 1 + len(v.Data)
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.IsDelete() {
		return "DEL"
	}
	return fmt.Sprintf("PUT(%q)", v.Data)
}
