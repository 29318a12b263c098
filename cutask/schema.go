// Package cutask defines the task capability interfaces and the typed
// message model that flows through the graph. Every message a task produces
// is described by a Schema, which is what allows the log pipeline to encode
// batches column by column and to decode them back without guessing.
package cutask

import (
	"bytes"
	"fmt"
	"math"
)

// FieldType enumerates the value types a schema field can hold.
type FieldType uint8

// Supported field types.
const (
	FieldUint64 FieldType = iota
	FieldInt64
	FieldFloat64
	FieldBool
	FieldString
	FieldBytes
)

func (t FieldType) String() string {
	switch t {
	case FieldUint64:
		return "uint64"
	case FieldInt64:
		return "int64"
	case FieldFloat64:
		return "float64"
	case FieldBool:
		return "bool"
	case FieldString:
		return "string"
	case FieldBytes:
		return "bytes"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// FixedWidth reports whether values of this type occupy a fixed 8-byte slot
// in a column, as opposed to being length-prefixed.
func (t FieldType) FixedWidth() bool {
	switch t {
	case FieldUint64, FieldInt64, FieldFloat64:
		return true
	default:
		return false
	}
}

// Field is one column of a schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes the payload layout of every message in one task's log
// stream. The ID is the stable identifier written into the log, so it must
// not change between the run that records and the run that replays.
type Schema struct {
	ID     uint32
	Name   string
	Fields []Field
}

// NewSchema assembles a schema and panics on an invalid definition, since a
// schema is static configuration and a bad one is a programming error.
func NewSchema(id uint32, name string, fields ...Field) Schema {
	s := Schema{ID: id, Name: name, Fields: fields}
	if err := s.Validate(); err != nil {
		panic(err)
	}

	return s
}

// Validate checks the schema definition for empty or duplicated names.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema %d has no name", s.ID)
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q has an unnamed field", s.Name)
		}

		if seen[f.Name] {
			return fmt.Errorf("schema %q repeats field %q", s.Name, f.Name)
		}

		seen[f.Name] = true

		if f.Type > FieldBytes {
			return fmt.Errorf("schema %q field %q has unknown type %d",
				s.Name, f.Name, uint8(f.Type))
		}
	}

	return nil
}

// FieldIndex returns the index of the named field, or -1 if absent.
func (s Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}

	return -1
}

// Equal reports whether two schemas describe the same layout.
func (s Schema) Equal(other Schema) bool {
	if s.ID != other.ID || s.Name != other.Name ||
		len(s.Fields) != len(other.Fields) {
		return false
	}

	for i, f := range s.Fields {
		if f != other.Fields[i] {
			return false
		}
	}

	return true
}

// Value is one typed payload cell. A Value remembers the kind it was built
// with so the encoder can reject a message whose values do not match the
// stream's schema.
type Value struct {
	kind FieldType
	bits uint64
	str  string
	raw  []byte
}

// Uint64Value builds an unsigned integer value.
func Uint64Value(v uint64) Value {
	return Value{kind: FieldUint64, bits: v}
}

// Int64Value builds a signed integer value.
func Int64Value(v int64) Value {
	return Value{kind: FieldInt64, bits: uint64(v)}
}

// Float64Value builds a floating point value.
func Float64Value(v float64) Value {
	return Value{kind: FieldFloat64, bits: math.Float64bits(v)}
}

// BoolValue builds a boolean value.
func BoolValue(v bool) Value {
	var bits uint64
	if v {
		bits = 1
	}

	return Value{kind: FieldBool, bits: bits}
}

// StringValue builds a string value.
func StringValue(v string) Value {
	return Value{kind: FieldString, str: v}
}

// BytesValue builds a raw byte value. The slice is not copied; the caller
// must not modify it after handing it to a message.
func BytesValue(v []byte) Value {
	return Value{kind: FieldBytes, raw: v}
}

// Kind returns the field type the value was built with.
func (v Value) Kind() FieldType {
	return v.kind
}

// AsUint64 returns the unsigned integer payload.
func (v Value) AsUint64() uint64 { return v.bits }

// AsInt64 returns the signed integer payload.
func (v Value) AsInt64() int64 { return int64(v.bits) }

// AsFloat64 returns the floating point payload.
func (v Value) AsFloat64() float64 { return math.Float64frombits(v.bits) }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.bits != 0 }

// AsString returns the string payload.
func (v Value) AsString() string { return v.str }

// AsBytes returns the raw byte payload. Callers must not modify it.
func (v Value) AsBytes() []byte { return v.raw }

// Bits returns the fixed-width encoding of the value. Only meaningful for
// fixed-width and boolean kinds.
func (v Value) Bits() uint64 { return v.bits }

// Equal reports whether two values hold the same kind and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case FieldString:
		return v.str == other.str
	case FieldBytes:
		return bytes.Equal(v.raw, other.raw)
	default:
		return v.bits == other.bits
	}
}
