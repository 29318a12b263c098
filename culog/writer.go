package culog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/cuprumlab/cuprum/cutime"
)

// Writer appends encoded batches to a unified log container. Appends are
// cheap buffered writes; only Flush and Close touch the disk synchronously,
// and neither is ever called from the per-cycle scheduling path.
//
// Writer is safe for concurrent use: the pipeline's background goroutine
// appends while checkpoints flush from the control side.
type Writer struct {
	mu sync.Mutex

	file     *os.File
	creation cutime.CuTime

	sections       []SectionSpec
	sectionIndex   map[string]int
	firstOffsetPos []int64
	firstOffset    []uint64
	batchCount     []uint64

	offset int64
	closed bool
}

// OpenWriter creates or truncates the container at path with one sub-stream
// per declared section and writes the container header.
func OpenWriter(
	path string,
	creation cutime.CuTime,
	sections []SectionSpec,
) (*Writer, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no sections declared", ErrLogIO)
	}

	index := make(map[string]int, len(sections))
	for i, sec := range sections {
		if _, dup := index[sec.Name]; dup {
			return nil, fmt.Errorf(
				"%w: section %q declared twice", ErrLogIO, sec.Name)
		}

		if err := sec.Schema.Validate(); err != nil {
			return nil, fmt.Errorf("%w: section %q: %v",
				ErrLogIO, sec.Name, err)
		}

		index[sec.Name] = i
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	header, firstOffsetPos := encodeHeader(uint64(creation), sections)
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	return &Writer{
		file:           file,
		creation:       creation,
		sections:       sections,
		sectionIndex:   index,
		firstOffsetPos: firstOffsetPos,
		firstOffset:    make([]uint64, len(sections)),
		batchCount:     make([]uint64, len(sections)),
		offset:         int64(len(header)),
	}, nil
}

// CreationTime returns the reference time recorded in the header.
func (w *Writer) CreationTime() cutime.CuTime {
	return w.creation
}

// Append frames and appends one encoded batch to the named section and
// returns the file offset of the frame. Offsets are strictly increasing, so
// callers can keep in-memory indices for later random access.
func (w *Writer) Append(section string, batch []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("%w: writer is closed", ErrLogIO)
	}

	idx, ok := w.sectionIndex[section]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}

	frameOffset := w.offset

	body := make([]byte, 0, 4+len(batch))
	body = binary.LittleEndian.AppendUint32(body, uint32(idx))
	body = append(body, batch...)

	frame := make([]byte, 0, len(body)+8)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	frame = binary.LittleEndian.AppendUint32(
		frame, crc32.Checksum(body, crcTable))

	if _, err := w.file.Write(frame); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	if w.batchCount[idx] == 0 {
		w.firstOffset[idx] = uint64(frameOffset)
	}
	w.batchCount[idx]++
	w.offset += int64(len(frame))

	return frameOffset, nil
}

// NumBatches returns how many batches have been appended to a section.
func (w *Writer) NumBatches(section string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx, ok := w.sectionIndex[section]
	if !ok {
		return 0
	}

	return w.batchCount[idx]
}

// Flush patches the section directory and forces all appended bytes to
// durable storage. It blocks until the data is on disk, so it is only
// called at controlled checkpoints or at shutdown.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.closed {
		return fmt.Errorf("%w: writer is closed", ErrLogIO)
	}

	var slot [8]byte
	for i, off := range w.firstOffset {
		if w.batchCount[i] == 0 {
			continue
		}

		binary.LittleEndian.PutUint64(slot[:], off)
		if _, err := w.file.WriteAt(slot[:], w.firstOffsetPos[i]); err != nil {
			return fmt.Errorf("%w: %v", ErrLogIO, err)
		}
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrLogIO, err)
	}

	return nil
}

// Close flushes and closes the container.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	flushErr := w.flushLocked()
	w.closed = true

	if err := w.file.Close(); err != nil {
		if flushErr == nil {
			flushErr = fmt.Errorf("%w: %v", ErrLogIO, err)
		}
	}

	return flushErr
}
