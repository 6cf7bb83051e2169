// Package frame implements the relay's downstream binary framing.
//
// Wire format (relay → client):
//
//	[1-byte type][4-byte payload length (big-endian)][payload]
//
//	Type 0x00: Terminal output (payload = UTF-8 text, streamed)
//
// Other type values are reserved. They are decoded and surfaced like any
// other frame so newer relays stay distinguishable, but carry no meaning yet.
// Frames arrive split across socket messages or concatenated within one;
// a frame is only consumed once the header and its full payload are buffered.
//
// The upstream direction is not framed: input and resize requests travel as
// JSON text messages (see package ws).
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeOutput byte = 0x00
)

// HeaderSize is the fixed header length: 1 type byte + 4 length bytes.
const HeaderSize = 5

// MaxPayload is the largest payload a Decoder will buffer by default.
const MaxPayload = 16 << 20

// ErrFrameTooLarge is reported once a frame header declares a payload over
// the decoder's limit.
var ErrFrameTooLarge = errors.New("frame: payload too large")

// Frame is one decoded wire unit.
type Frame struct {
	Type    byte
	Payload []byte
}

// DecodeFrames pulls every complete frame from the front of buf and returns
// the unconsumed tail. It never blocks and never fails: an incomplete header
// or payload is simply left in rest for the next call. A zero-length payload
// is a complete frame.
//
// Returned payloads alias buf.
func DecodeFrames(buf []byte) (frames []Frame, rest []byte) {
	for len(buf) >= HeaderSize {
		length := binary.BigEndian.Uint32(buf[1:HeaderSize])
		if uint64(len(buf)-HeaderSize) < uint64(length) {
			break
		}
		end := HeaderSize + int(length)
		frames = append(frames, Frame{Type: buf[0], Payload: buf[HeaderSize:end:end]})
		buf = buf[end:]
	}
	return frames, buf
}

// Append encodes one frame onto dst.
func Append(dst []byte, typ byte, payload []byte) []byte {
	var header [HeaderSize]byte
	header[0] = typ
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// Encode returns a single encoded frame.
func Encode(typ byte, payload []byte) []byte {
	return Append(make([]byte, 0, HeaderSize+len(payload)), typ, payload)
}

// Decoder is a growable receive buffer in front of DecodeFrames.
// It is owned by a single goroutine.
type Decoder struct {
	// Max caps a single payload; zero means MaxPayload.
	Max uint32

	buf []byte
	err error
}

// Push appends a chunk and returns every frame it completes, in order.
// After a header over the limit is seen, Push returns nothing until Reset
// and Err reports why.
func (d *Decoder) Push(chunk []byte) []Frame {
	if d.err != nil {
		return nil
	}
	if len(chunk) == 0 && len(d.buf) < HeaderSize {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	frames, rest := DecodeFrames(d.buf)
	// rest is the tail of the current backing array; later appends only write
	// past it, so payloads already returned are never overwritten.
	if len(rest) == 0 {
		d.buf = nil
	} else {
		d.buf = rest
	}
	if len(d.buf) >= HeaderSize {
		if n := binary.BigEndian.Uint32(d.buf[1:HeaderSize]); n > d.limit() {
			d.err = fmt.Errorf("%w: %d bytes declared, limit %d", ErrFrameTooLarge, n, d.limit())
			d.buf = nil
		}
	}
	return frames
}

func (d *Decoder) limit() uint32 {
	if d.Max == 0 {
		return MaxPayload
	}
	return d.Max
}

// Err returns the error that stopped decoding, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Buffered reports how many bytes are waiting for a frame to complete.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame and clears Err.
func (d *Decoder) Reset() {
	d.buf = nil
	d.err = nil
}
