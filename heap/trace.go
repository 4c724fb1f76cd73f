package heap

import (
	"encoding/binary"
	"fmt"
)

// Op identifies the lifecycle operation a trace record describes.
// The values are the on-wire tags.
type Op uint8

const (
	OpAllocate   Op = 0
	OpDeallocate Op = 1
	OpGrow       Op = 2
	OpShrink     Op = 3
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpAllocate:
		return "allocate"
	case OpDeallocate:
		return "deallocate"
	case OpGrow:
		return "grow"
	case OpShrink:
		return "shrink"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

const (
	// traceWord is the width of every size field in a record.
	traceWord = 8

	// ShortRecordLen is the encoded length of allocate and deallocate records.
	ShortRecordLen = 1 + traceWord

	// LongRecordLen is the encoded length of grow and shrink records.
	LongRecordLen = 1 + 2*traceWord
)

// Record is one decoded trace record.
type Record struct {
	Op      Op
	Size    uint64 // Request size; the old size for grow and shrink
	NewSize uint64 // New size for grow and shrink, zero otherwise
}

// Sink receives encoded trace records.
type Sink interface {
	// Enabled reports whether records written now would be kept.
	Enabled() bool

	// WriteTransaction appends one record. A sink that cannot accept it drops it.
	WriteTransaction(p []byte)
}

// Streams resolves a trace channel to its sink.
type Streams interface {
	Stream(channel uint8) Sink
}

// AppendRecord appends the wire encoding of r to dst.
//
// Every size is a big-endian 64-bit word. The tag is the low byte of a
// big-endian word whose seven leading zero bytes are not transmitted:
//
//	allocate, deallocate: [tag][size]
//	grow, shrink:         [tag][old size][new size]
func AppendRecord(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Op))
	dst = binary.BigEndian.AppendUint64(dst, r.Size)
	if r.Op == OpGrow || r.Op == OpShrink {
		dst = binary.BigEndian.AppendUint64(dst, r.NewSize)
	}
	return dst
}

// DecodeRecord parses one record produced by AppendRecord.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) == 0 {
		return Record{}, fmt.Errorf("%w: empty", ErrBadRecord)
	}
	r := Record{Op: Op(b[0])}
	switch r.Op {
	case OpAllocate, OpDeallocate:
		if len(b) != ShortRecordLen {
			return Record{}, fmt.Errorf("%w: %s record is %d bytes, want %d",
				ErrBadRecord, r.Op, len(b), ShortRecordLen)
		}
		r.Size = binary.BigEndian.Uint64(b[1:])
	case OpGrow, OpShrink:
		if len(b) != LongRecordLen {
			return Record{}, fmt.Errorf("%w: %s record is %d bytes, want %d",
				ErrBadRecord, r.Op, len(b), LongRecordLen)
		}
		r.Size = binary.BigEndian.Uint64(b[1:])
		r.NewSize = binary.BigEndian.Uint64(b[1+traceWord:])
	default:
		return Record{}, fmt.Errorf("%w: unknown tag %d", ErrBadRecord, b[0])
	}
	return r, nil
}

// tracer emits records to a sink. A heap without tracing holds a nil tracer.
type tracer struct {
	channel uint8
	sink    Sink
}

func (t *tracer) allocate(l Layout) {
	if t.sink.Enabled() {
		t.emit(Record{Op: OpAllocate, Size: uint64(l.Size)})
	}
}

func (t *tracer) deallocate(l Layout) {
	if t.sink.Enabled() {
		t.emit(Record{Op: OpDeallocate, Size: uint64(l.Size)})
	}
}

func (t *tracer) grow(oldLayout, newLayout Layout) {
	if t.sink.Enabled() {
		t.emit(Record{Op: OpGrow, Size: uint64(oldLayout.Size), NewSize: uint64(newLayout.Size)})
	}
}

func (t *tracer) shrink(oldLayout, newLayout Layout) {
	if t.sink.Enabled() {
		t.emit(Record{Op: OpShrink, Size: uint64(oldLayout.Size), NewSize: uint64(newLayout.Size)})
	}
}

// emit is kept out of line so the enabled check stays small at call sites.
//
//go:noinline
func (t *tracer) emit(r Record) {
	var buf [LongRecordLen]byte
	t.sink.WriteTransaction(AppendRecord(buf[:0], r))
}
