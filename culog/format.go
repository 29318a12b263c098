package culog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cuprumlab/cuprum/cutask"
)

// The unified log container layout. All integers are little-endian.
//
// Header:
//
//	magic "CULG" | version u32 | creation u64 | section count u32
//	per section:
//	    name (u16 length + bytes)
//	    schema ID u32
//	    schema name (u16 length + bytes)
//	    field count u16, per field: name (u16 length + bytes) + type u8
//	    first-batch offset u64 (zero until the first append, patched on flush)
//
// Each batch frame:
//
//	body length u32 | body | CRC-32C(body) u32
//	body: section index u32 | batch payload (see EncodeBatch)
//
// The section directory carries the full schema of each stream, so a log
// file is self-describing: readers and export tools need no out-of-band
// schema registry.
const (
	// FormatVersion is the container format version this package writes.
	FormatVersion uint32 = 1

	logMagic = "CULG"

	// frameOverhead is the per-frame cost beyond the payload: length,
	// section index, and checksum.
	frameOverhead = 4 + 4 + 4
)

// crcTable is the Castagnoli polynomial table used for frame checksums.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SectionSpec declares one named stream of the container and the schema of
// the batches it will hold.
type SectionSpec struct {
	Name   string
	Schema cutask.Schema
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))

	return append(buf, s...)
}

func encodeHeader(
	creation uint64,
	sections []SectionSpec,
) (header []byte, firstOffsetPos []int64) {
	buf := []byte(logMagic)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, creation)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sections)))

	firstOffsetPos = make([]int64, len(sections))

	for i, sec := range sections {
		buf = appendString16(buf, sec.Name)
		buf = binary.LittleEndian.AppendUint32(buf, sec.Schema.ID)
		buf = appendString16(buf, sec.Schema.Name)
		buf = binary.LittleEndian.AppendUint16(
			buf, uint16(len(sec.Schema.Fields)))

		for _, f := range sec.Schema.Fields {
			buf = appendString16(buf, f.Name)
			buf = append(buf, byte(f.Type))
		}

		firstOffsetPos[i] = int64(len(buf))
		buf = binary.LittleEndian.AppendUint64(buf, 0)
	}

	return buf, firstOffsetPos
}

type headerDecoder struct {
	data []byte
	off  int
}

func (d *headerDecoder) take(n int) ([]byte, error) {
	if d.off+n > len(d.data) {
		return nil, fmt.Errorf("%w: header is short", ErrLogCorruption)
	}

	b := d.data[d.off : d.off+n]
	d.off += n

	return b, nil
}

func (d *headerDecoder) string16() (string, error) {
	b, err := d.take(2)
	if err != nil {
		return "", err
	}

	raw, err := d.take(int(binary.LittleEndian.Uint16(b)))
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func (d *headerDecoder) sectionSpec() (SectionSpec, uint64, error) {
	var spec SectionSpec

	name, err := d.string16()
	if err != nil {
		return spec, 0, err
	}
	spec.Name = name

	b, err := d.take(4)
	if err != nil {
		return spec, 0, err
	}
	spec.Schema.ID = binary.LittleEndian.Uint32(b)

	if spec.Schema.Name, err = d.string16(); err != nil {
		return spec, 0, err
	}

	if b, err = d.take(2); err != nil {
		return spec, 0, err
	}
	fieldCount := int(binary.LittleEndian.Uint16(b))

	spec.Schema.Fields = make([]cutask.Field, fieldCount)
	for i := range spec.Schema.Fields {
		if spec.Schema.Fields[i].Name, err = d.string16(); err != nil {
			return spec, 0, err
		}

		if b, err = d.take(1); err != nil {
			return spec, 0, err
		}
		spec.Schema.Fields[i].Type = cutask.FieldType(b[0])
	}

	if b, err = d.take(8); err != nil {
		return spec, 0, err
	}

	return spec, binary.LittleEndian.Uint64(b), nil
}
