package culog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/cuprumlab/cuprum/cutask"
	"github.com/cuprumlab/cuprum/cutime"
)

// Reader opens a unified log container for random and sequential access.
// The whole file is scanned once at open to index every frame; a truncated
// trailing frame (a process killed mid-write) is detected by its length or
// checksum and treated as end-of-stream with a warning, never as a fatal
// error. Corruption anywhere before the tail is fatal at open.
type Reader struct {
	file     *os.File
	size     int64
	creation cutime.CuTime

	sections     []SectionSpec
	sectionIndex map[string]int

	batches   [][]frameRef
	truncated bool
}

type frameRef struct {
	offset  int64
	bodyLen uint32
}

// OpenReader parses the header and section directory of the container at
// path and indexes its batches.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	r := &Reader{file: file}
	if err := r.init(); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reader) init() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogIO, err)
	}
	r.size = info.Size()

	headerEnd, err := r.readHeader()
	if err != nil {
		return err
	}

	return r.indexFrames(headerEnd)
}

func (r *Reader) readHeader() (int64, error) {
	// The header is tiny relative to a log; read a generous prefix and
	// decode from memory.
	prefix := make([]byte, minInt64(r.size, 1<<20))
	if _, err := io.ReadFull(r.file, prefix); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	if len(prefix) < len(logMagic)+16 ||
		string(prefix[:len(logMagic)]) != logMagic {
		return 0, fmt.Errorf("%w: not a unified log file", ErrLogCorruption)
	}

	d := headerDecoder{data: prefix, off: len(logMagic)}

	b, err := d.take(4)
	if err != nil {
		return 0, err
	}

	version := binary.LittleEndian.Uint32(b)
	if version != FormatVersion {
		return 0, fmt.Errorf(
			"%w: unsupported format version %d", ErrLogCorruption, version)
	}

	if b, err = d.take(8); err != nil {
		return 0, err
	}
	r.creation = cutime.CuTime(binary.LittleEndian.Uint64(b))

	if b, err = d.take(4); err != nil {
		return 0, err
	}
	sectionCount := int(binary.LittleEndian.Uint32(b))

	r.sections = make([]SectionSpec, sectionCount)
	r.sectionIndex = make(map[string]int, sectionCount)
	r.batches = make([][]frameRef, sectionCount)

	for i := 0; i < sectionCount; i++ {
		spec, _, err := d.sectionSpec()
		if err != nil {
			return 0, err
		}

		r.sections[i] = spec
		r.sectionIndex[spec.Name] = i
	}

	return int64(d.off), nil
}

func (r *Reader) indexFrames(start int64) error {
	offset := start

	for offset < r.size {
		remaining := r.size - offset

		// A frame needs at least its length prefix, a section index, and
		// the checksum. Anything shorter is a torn tail.
		if remaining < frameOverhead {
			r.truncated = true
			return nil
		}

		var lenBuf [4]byte
		if _, err := r.file.ReadAt(lenBuf[:], offset); err != nil {
			return fmt.Errorf("%w: %v", ErrLogIO, err)
		}

		bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
		frameEnd := offset + 4 + int64(bodyLen) + 4

		if bodyLen < 4 || frameEnd > r.size {
			// Length prefix points past end of file: the final append was
			// interrupted.
			r.truncated = true
			return nil
		}

		body := make([]byte, bodyLen)
		if _, err := r.file.ReadAt(body, offset+4); err != nil {
			return fmt.Errorf("%w: %v", ErrLogIO, err)
		}

		var crcBuf [4]byte
		if _, err := r.file.ReadAt(crcBuf[:], offset+4+int64(bodyLen)); err != nil {
			return fmt.Errorf("%w: %v", ErrLogIO, err)
		}

		if crc32.Checksum(body, crcTable) !=
			binary.LittleEndian.Uint32(crcBuf[:]) {
			if frameEnd == r.size {
				// The torn frame is the very last thing in the file.
				r.truncated = true
				return nil
			}

			return fmt.Errorf(
				"%w: checksum mismatch at offset %d", ErrLogCorruption, offset)
		}

		secIdx := int(binary.LittleEndian.Uint32(body[:4]))
		if secIdx >= len(r.sections) {
			return fmt.Errorf(
				"%w: frame at offset %d names section %d of %d",
				ErrLogCorruption, offset, secIdx, len(r.sections))
		}

		r.batches[secIdx] = append(r.batches[secIdx], frameRef{
			offset:  offset,
			bodyLen: bodyLen,
		})

		offset = frameEnd
	}

	return nil
}

// CreationTime returns the reference time recorded when the log was opened
// for writing.
func (r *Reader) CreationTime() cutime.CuTime {
	return r.creation
}

// Sections returns the declared sections in directory order.
func (r *Reader) Sections() []SectionSpec {
	return r.sections
}

// Schema returns the schema of the named section.
func (r *Reader) Schema(section string) (cutask.Schema, error) {
	idx, ok := r.sectionIndex[section]
	if !ok {
		return cutask.Schema{}, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}

	return r.sections[idx].Schema, nil
}

// Truncated reports whether the file ended in a torn batch. The torn tail is
// discarded; everything before it reads normally.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// NumBatches returns the number of intact batches in a section.
func (r *Reader) NumBatches(section string) int {
	idx, ok := r.sectionIndex[section]
	if !ok {
		return 0
	}

	return len(r.batches[idx])
}

// ReadBatch returns the raw encoded payload of the index-th batch of a
// section, in original append order.
func (r *Reader) ReadBatch(section string, index int) ([]byte, error) {
	idx, ok := r.sectionIndex[section]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}

	if index < 0 || index >= len(r.batches[idx]) {
		return nil, fmt.Errorf(
			"culog: batch %d out of range for section %q", index, section)
	}

	ref := r.batches[idx][index]
	payload := make([]byte, ref.bodyLen-4)
	if _, err := r.file.ReadAt(payload, ref.offset+8); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	return payload, nil
}

// ReadMessages decodes the index-th batch of a section with the section's
// own schema.
func (r *Reader) ReadMessages(
	section string,
	index int,
) ([]*cutask.Message, error) {
	payload, err := r.ReadBatch(section, index)
	if err != nil {
		return nil, err
	}

	schema, err := r.Schema(section)
	if err != nil {
		return nil, err
	}

	return DecodeBatch(schema, payload)
}

// Iterate returns a lazy sequential iterator over a section's batches.
// Iterators are independent and restartable; a fresh iterator starts again
// from the first batch.
func (r *Reader) Iterate(section string) *Iterator {
	return &Iterator{reader: r, section: section}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator walks a section's batches in append order without loading the
// whole file. Use it like a scanner:
//
//	it := reader.Iterate("lidar")
//	for it.Next() {
//	    use(it.Messages())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	reader  *Reader
	section string
	next    int
	msgs    []*cutask.Message
	err     error
}

// Next advances to the next batch. It returns false at the end of the
// section or on a decoding error; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}

	if it.next >= it.reader.NumBatches(it.section) {
		return false
	}

	msgs, err := it.reader.ReadMessages(it.section, it.next)
	if err != nil {
		it.err = err
		return false
	}

	it.next++
	it.msgs = msgs

	return true
}

// Messages returns the batch decoded by the last successful Next.
func (it *Iterator) Messages() []*cutask.Message {
	return it.msgs
}

// BatchIndex returns the index of the batch returned by the last successful
// Next.
func (it *Iterator) BatchIndex() int {
	return it.next - 1
}

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Reset restarts the iterator from the first batch.
func (it *Iterator) Reset() {
	it.next = 0
	it.msgs = nil
	it.err = nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}
