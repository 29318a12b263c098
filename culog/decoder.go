package culog

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cuprumlab/cuprum/cutask"
	"github.com/cuprumlab/cuprum/cutime"
)

// DecodeBatch reverses EncodeBatch, reconstructing the exact messages of a
// batch including validity intervals with unset bounds. The schema must be
// the one the batch was encoded with; a schema ID mismatch is reported as
// corruption.
func DecodeBatch(
	schema cutask.Schema,
	data []byte,
) ([]*cutask.Message, error) {
	d := batchDecoder{data: data}

	count, err := d.uint32()
	if err != nil {
		return nil, err
	}

	schemaID, err := d.uint32()
	if err != nil {
		return nil, err
	}

	if schemaID != schema.ID {
		return nil, fmt.Errorf(
			"%w: batch has schema %d, section expects %d",
			ErrLogCorruption, schemaID, schema.ID)
	}

	n := int(count)
	if len(d.data)-d.off < n*16 {
		return nil, fmt.Errorf(
			"%w: batch claims %d messages but holds %d bytes",
			ErrLogCorruption, n, len(d.data)-d.off)
	}

	startBits := make([]uint64, n)
	endBits := make([]uint64, n)

	for i := range startBits {
		if startBits[i], err = d.uint64(); err != nil {
			return nil, err
		}
	}

	for i := range endBits {
		if endBits[i], err = d.uint64(); err != nil {
			return nil, err
		}
	}

	columns := make([][]cutask.Value, len(schema.Fields))
	for j, f := range schema.Fields {
		if columns[j], err = d.column(f.Type, n); err != nil {
			return nil, err
		}
	}

	if len(d.data) != d.off {
		return nil, fmt.Errorf(
			"%w: %d trailing bytes after batch payload",
			ErrLogCorruption, len(d.data)-d.off)
	}

	msgs := make([]*cutask.Message, n)
	for i := 0; i < n; i++ {
		values := make([]cutask.Value, len(schema.Fields))
		for j := range schema.Fields {
			values[j] = columns[j][i]
		}

		validity := cutime.PartialCuTimeRangeFromBits(startBits[i], endBits[i])
		msgs[i] = cutask.NewMessage(validity, values...)
	}

	return msgs, nil
}

type batchDecoder struct {
	data []byte
	off  int
}

func (d *batchDecoder) take(n int) ([]byte, error) {
	if d.off+n > len(d.data) {
		return nil, fmt.Errorf("%w: batch payload is short", ErrLogCorruption)
	}

	b := d.data[d.off : d.off+n]
	d.off += n

	return b, nil
}

func (d *batchDecoder) uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (d *batchDecoder) uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (d *batchDecoder) column(
	t cutask.FieldType,
	n int,
) ([]cutask.Value, error) {
	values := make([]cutask.Value, n)

	for i := 0; i < n; i++ {
		switch t {
		case cutask.FieldBool:
			b, err := d.take(1)
			if err != nil {
				return nil, err
			}
			values[i] = cutask.BoolValue(b[0] != 0)
		case cutask.FieldString:
			length, err := d.uint32()
			if err != nil {
				return nil, err
			}
			b, err := d.take(int(length))
			if err != nil {
				return nil, err
			}
			values[i] = cutask.StringValue(string(b))
		case cutask.FieldBytes:
			length, err := d.uint32()
			if err != nil {
				return nil, err
			}
			b, err := d.take(int(length))
			if err != nil {
				return nil, err
			}
			raw := make([]byte, length)
			copy(raw, b)
			values[i] = cutask.BytesValue(raw)
		case cutask.FieldUint64:
			bits, err := d.uint64()
			if err != nil {
				return nil, err
			}
			values[i] = cutask.Uint64Value(bits)
		case cutask.FieldInt64:
			bits, err := d.uint64()
			if err != nil {
				return nil, err
			}
			values[i] = cutask.Int64Value(int64(bits))
		case cutask.FieldFloat64:
			bits, err := d.uint64()
			if err != nil {
				return nil, err
			}
			values[i] = cutask.Float64Value(math.Float64frombits(bits))
		default:
			return nil, fmt.Errorf(
				"%w: unknown field type %d", ErrLogCorruption, uint8(t))
		}
	}

	return values, nil
}
