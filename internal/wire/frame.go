// Package wire implements length-prefixed binary framing over a duplex byte
// stream. Each frame is a big-endian u64 length followed by that many bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"carton/pkg/types"
)

// DefaultMaxFrameBytes bounds a single frame payload (2 GiB - 1).
const DefaultMaxFrameBytes = uint64(2<<30 - 1)

// Framer reads and writes frames on a duplex stream. Reads and writes are
// independently serialized so one reader and one writer may run
// concurrently.
type Framer struct {
	rmu sync.Mutex
	wmu sync.Mutex
	rw  io.ReadWriter
	max uint64
	hdr [8]byte
}

// NewFramer wraps rw. maxFrameBytes of 0 selects DefaultMaxFrameBytes.
func NewFramer(rw io.ReadWriter, maxFrameBytes uint64) *Framer {
	if maxFrameBytes == 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Framer{rw: rw, max: maxFrameBytes}
}

// MaxFrameBytes returns the configured frame size limit.
func (f *Framer) MaxFrameBytes() uint64 { return f.max }

// WriteFrame sends one frame. Payloads over the limit fail with
// FrameTooLarge before anything is written.
func (f *Framer) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > f.max {
		return types.Errorf(types.ErrFrameTooLarge, "frame of %d bytes exceeds limit %d", len(payload), f.max)
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(payload)))
	if _, err := f.rw.Write(hdr[:]); err != nil {
		return closedOr(err)
	}
	if _, err := f.rw.Write(payload); err != nil {
		return closedOr(err)
	}
	return nil
}

// ReadFrame blocks until a full frame is available and returns its payload.
// EOF at a frame boundary and EOF mid-frame both surface as TransportClosed;
// an oversized length surfaces as FrameTooLarge without consuming the body.
func (f *Framer) ReadFrame() ([]byte, error) {
	f.rmu.Lock()
	defer f.rmu.Unlock()
	if _, err := io.ReadFull(f.rw, f.hdr[:]); err != nil {
		return nil, closedOr(err)
	}
	n := binary.BigEndian.Uint64(f.hdr[:])
	if n > f.max {
		return nil, types.Errorf(types.ErrFrameTooLarge, "incoming frame of %d bytes exceeds limit %d", n, f.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.rw, buf); err != nil {
		return nil, closedOr(err)
	}
	return buf, nil
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return types.WrapError(types.ErrTransportClosed, "stream closed", err)
	}
	// Closed sockets report platform-specific errors; treat any read/write
	// failure on the stream as a transport loss.
	return types.WrapError(types.ErrTransportClosed, "stream error", err)
}
