// Package stream multiplexes numbered trace channels onto a single byte stream,
// in the manner of a debugger's stimulus ports.
//
// Each transaction becomes one frame:
//
//	[channel:1][length:2 BE][payload:length]
//
// Channels start disabled. Checking whether a channel is enabled is a single
// atomic load, so a disabled channel costs its producer one branch.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/poolheap/heap"
)

// Channels is the number of channels a Mux carries.
const Channels = 32

// MaxPayload is the largest transaction a frame can carry.
const MaxPayload = 1<<16 - 1

// frameHeaderSize is the channel byte plus the length field.
const frameHeaderSize = 3

// ErrShortFrame indicates a frame truncated in its header or payload.
var ErrShortFrame = errors.New("stream: short frame")

// Mux writes framed transactions from up to Channels channels to one writer.
//
// Frames from concurrent producers are serialised; a frame is never
// interleaved with another. Transactions that cannot be written are dropped
// and counted.
type Mux struct {
	mu sync.Mutex
	w  io.Writer

	enabled atomic.Uint32 // bit n set = channel n enabled
	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewMux creates a multiplexer writing to w with every channel disabled.
func NewMux(w io.Writer) *Mux {
	return &Mux{w: w}
}

// Enable turns channel ch on. Out-of-range channels are ignored.
func (m *Mux) Enable(ch uint8) {
	if ch < Channels {
		m.enabled.Or(1 << ch)
	}
}

// Disable turns channel ch off.
func (m *Mux) Disable(ch uint8) {
	if ch < Channels {
		m.enabled.And(^uint32(1 << ch))
	}
}

// Enabled reports whether channel ch is on.
func (m *Mux) Enabled(ch uint8) bool {
	return ch < Channels && m.enabled.Load()&(1<<ch) != 0
}

// Frames returns the number of frames written.
func (m *Mux) Frames() uint64 { return m.frames.Load() }

// Dropped returns the number of transactions discarded.
func (m *Mux) Dropped() uint64 { return m.dropped.Load() }

// Stream returns the handle for channel ch.
func (m *Mux) Stream(ch uint8) heap.Sink {
	return Channel{mux: m, ch: ch}
}

// write frames p on channel ch.
func (m *Mux) write(ch uint8, p []byte) {
	if ch >= Channels || len(p) > MaxPayload {
		m.dropped.Add(1)
		return
	}

	var hdr [frameHeaderSize]byte
	hdr[0] = ch
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(p)))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.w.Write(hdr[:]); err != nil {
		m.dropped.Add(1)
		return
	}
	if _, err := m.w.Write(p); err != nil {
		m.dropped.Add(1)
		return
	}
	m.frames.Add(1)
}

// Channel is one numbered stream of a Mux. It implements heap.Sink.
type Channel struct {
	mux *Mux
	ch  uint8
}

// Number returns the channel number.
func (c Channel) Number() uint8 { return c.ch }

// Enabled reports whether the channel is on.
func (c Channel) Enabled() bool { return c.mux.Enabled(c.ch) }

// WriteTransaction appends p as one frame. Payloads larger than MaxPayload
// and write failures are dropped silently.
func (c Channel) WriteTransaction(p []byte) {
	c.mux.write(c.ch, p)
}

// Frame is one decoded transaction.
type Frame struct {
	Channel uint8
	Payload []byte
}

// Reader decodes frames written by a Mux.
type Reader struct {
	r   io.Reader
	hdr [frameHeaderSize]byte
}

// NewReader returns a frame reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next frame. It returns io.EOF at a clean end of stream and
// ErrShortFrame when the stream ends inside a frame.
func (r *Reader) Next() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: header", ErrShortFrame)
		}
		return Frame{}, err
	}

	f := Frame{
		Channel: r.hdr[0],
		Payload: make([]byte, binary.BigEndian.Uint16(r.hdr[1:])),
	}
	if _, err := io.ReadFull(r.r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: channel %d wants %d payload bytes",
				ErrShortFrame, f.Channel, len(f.Payload))
		}
		return Frame{}, err
	}
	return f, nil
}

// Compile-time interface checks
var (
	_ heap.Sink    = Channel{}
	_ heap.Streams = (*Mux)(nil)
)
