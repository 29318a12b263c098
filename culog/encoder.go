// Package culog implements the structured log: a columnar batch codec and
// the append-only multi-section container that persists encoded batches for
// later replay or export.
package culog

import (
	"encoding/binary"
	"fmt"

	"github.com/cuprumlab/cuprum/cutask"
)

// EncodeBatch serializes one stream's batch of messages into the columnar
// layout: a header (count, schema ID), the start-time column, the end-time
// column, then one contiguous column per schema field. The time columns hold
// the raw 64-bit optional encodings, so validity intervals with unset bounds
// survive the round trip.
//
// Encoding touches memory only; no I/O happens here, which is what allows
// the control cycle to call it directly.
func EncodeBatch(
	schema cutask.Schema,
	msgs []*cutask.Message,
) ([]byte, error) {
	for i, m := range msgs {
		if m.NumValues() != len(schema.Fields) {
			return nil, fmt.Errorf(
				"%w: message %d has %d values, schema %q has %d fields",
				ErrLogEncoding, i, m.NumValues(), schema.Name,
				len(schema.Fields))
		}

		for j, f := range schema.Fields {
			if m.Value(j).Kind() != f.Type {
				return nil, fmt.Errorf(
					"%w: message %d field %q is %s, schema wants %s",
					ErrLogEncoding, i, f.Name, m.Value(j).Kind(), f.Type)
			}
		}
	}

	buf := make([]byte, 0, encodedSizeHint(schema, msgs))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msgs)))
	buf = binary.LittleEndian.AppendUint32(buf, schema.ID)

	for _, m := range msgs {
		start, _ := m.Validity().Bits()
		buf = binary.LittleEndian.AppendUint64(buf, start)
	}

	for _, m := range msgs {
		_, end := m.Validity().Bits()
		buf = binary.LittleEndian.AppendUint64(buf, end)
	}

	for j, f := range schema.Fields {
		buf = appendColumn(buf, f.Type, msgs, j)
	}

	return buf, nil
}

func encodedSizeHint(schema cutask.Schema, msgs []*cutask.Message) int {
	// Header, the two time columns, and 8 bytes per cell as a first guess.
	return 8 + len(msgs)*8*(2+len(schema.Fields))
}

func appendColumn(
	buf []byte,
	t cutask.FieldType,
	msgs []*cutask.Message,
	field int,
) []byte {
	switch t {
	case cutask.FieldBool:
		for _, m := range msgs {
			b := byte(0)
			if m.Value(field).AsBool() {
				b = 1
			}
			buf = append(buf, b)
		}
	case cutask.FieldString:
		for _, m := range msgs {
			s := m.Value(field).AsString()
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
	case cutask.FieldBytes:
		for _, m := range msgs {
			raw := m.Value(field).AsBytes()
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(raw)))
			buf = append(buf, raw...)
		}
	default:
		for _, m := range msgs {
			buf = binary.LittleEndian.AppendUint64(buf, m.Value(field).Bits())
		}
	}

	return buf
}
