package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func sampleFrames() []Frame {
	return []Frame{
		{Type: TypeOutput, Payload: []byte("hello")},
		{Type: TypeOutput, Payload: nil},
		{Type: 0x07, Payload: []byte{0x00, 0xff, 0x10}},
		{Type: TypeOutput, Payload: []byte("héllo wörld ✓")},
		{Type: 0x02, Payload: []byte{}},
	}
}

func encodeAll(frames []Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = Append(out, f.Type, f.Payload)
	}
	return out
}

func TestEncodeHeader(t *testing.T) {
	got := Encode(TypeOutput, []byte("abc"))
	want := []byte{0x00, 0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c'}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = %v, want %v", got, want)
	}
}

func TestDecodeFramesConcatenated(t *testing.T) {
	want := sampleFrames()
	frames, rest := DecodeFrames(encodeAll(want))
	if len(rest) != 0 {
		t.Fatalf("rest = %d bytes, want 0", len(rest))
	}
	if diff := cmp.Diff(want, frames, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoderEverySplitPoint(t *testing.T) {
	want := sampleFrames()
	stream := encodeAll(want)

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			var d Decoder
			var got []Frame
			got = append(got, d.Push(stream[:i])...)
			got = append(got, d.Push(stream[i:j])...)
			got = append(got, d.Push(stream[j:])...)
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("split at %d,%d (-want +got):\n%s", i, j, diff)
			}
			if d.Buffered() != 0 {
				t.Fatalf("split at %d,%d: %d bytes left buffered", i, j, d.Buffered())
			}
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	want := sampleFrames()
	stream := encodeAll(want)

	var d Decoder
	var got []Frame
	for i := range stream {
		got = append(got, d.Push(stream[i:i+1])...)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoderPartialHeader(t *testing.T) {
	full := Encode(TypeOutput, []byte("payload"))
	for n := 1; n < HeaderSize; n++ {
		var d Decoder
		if frames := d.Push(full[:n]); len(frames) != 0 {
			t.Fatalf("prefix %d: got %d frames, want 0", n, len(frames))
		}
		frames := d.Push(full[n:])
		if len(frames) != 1 {
			t.Fatalf("prefix %d: got %d frames after remainder, want 1", n, len(frames))
		}
		if string(frames[0].Payload) != "payload" {
			t.Errorf("prefix %d: payload = %q", n, frames[0].Payload)
		}
	}
}

func TestDecoderPartialPayload(t *testing.T) {
	full := Encode(TypeOutput, []byte("0123456789"))
	var d Decoder
	if frames := d.Push(full[:HeaderSize+4]); len(frames) != 0 {
		t.Fatalf("got %d frames from half a payload", len(frames))
	}
	if d.Buffered() != HeaderSize+4 {
		t.Fatalf("buffered = %d, want %d", d.Buffered(), HeaderSize+4)
	}
	frames := d.Push(full[HeaderSize+4:])
	if len(frames) != 1 || string(frames[0].Payload) != "0123456789" {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestZeroLengthPayloadIsComplete(t *testing.T) {
	frames, rest := DecodeFrames(Encode(TypeOutput, nil))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0].Payload) != 0 {
		t.Errorf("payload = %v, want empty", frames[0].Payload)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %v, want empty", rest)
	}
}

func TestLargeLengthUsesAllFourBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 70000)
	enc := Encode(TypeOutput, payload)
	if enc[2] != 0x01 {
		t.Fatalf("length byte 2 = %#x, want 0x01", enc[2])
	}
	var d Decoder
	var got []Frame
	for off := 0; off < len(enc); off += 4096 {
		end := min(off+4096, len(enc))
		got = append(got, d.Push(enc[off:end])...)
	}
	if len(got) != 1 || len(got[0].Payload) != len(payload) {
		t.Fatalf("got %d frames", len(got))
	}
}

func TestDecoderPayloadsSurviveLaterPushes(t *testing.T) {
	var d Decoder
	stream := append(Encode(TypeOutput, []byte("first")), Encode(TypeOutput, []byte("sec"))[:6]...)
	frames := d.Push(stream)
	if len(frames) != 1 {
		t.Fatalf("got %d frames", len(frames))
	}
	d.Push([]byte(strings.Repeat("z", 64)))
	if string(frames[0].Payload) != "first" {
		t.Fatalf("earlier payload clobbered: %q", frames[0].Payload)
	}
}

func TestDecoderReset(t *testing.T) {
	var d Decoder
	d.Push([]byte{0x00, 0x00})
	d.Reset()
	if d.Buffered() != 0 {
		t.Fatalf("buffered after reset = %d", d.Buffered())
	}
	frames := d.Push(Encode(TypeOutput, []byte("ok")))
	if len(frames) != 1 || string(frames[0].Payload) != "ok" {
		t.Fatalf("frames after reset = %+v", frames)
	}
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	d := Decoder{Max: 8}
	stream := append(Encode(TypeOutput, []byte("fits")), 0x00, 0xff, 0xff, 0xff, 0xff)
	frames := d.Push(stream)
	if len(frames) != 1 || string(frames[0].Payload) != "fits" {
		t.Fatalf("frames before the oversized header = %+v", frames)
	}
	if !errors.Is(d.Err(), ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", d.Err())
	}
	if d.Buffered() != 0 {
		t.Errorf("buffered = %d after oversized header", d.Buffered())
	}
	if frames := d.Push(Encode(TypeOutput, []byte("ok"))); len(frames) != 0 {
		t.Errorf("decoded %d frames after the error", len(frames))
	}

	d.Reset()
	if d.Err() != nil {
		t.Fatalf("err after reset = %v", d.Err())
	}
	if frames := d.Push(Encode(TypeOutput, []byte("ok"))); len(frames) != 1 {
		t.Fatalf("frames after reset = %+v", frames)
	}
}

func TestDecoderDefaultLimit(t *testing.T) {
	var d Decoder
	header := []byte{TypeOutput, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[1:], MaxPayload)
	d.Push(header)
	if d.Err() != nil {
		t.Fatalf("limit-sized header rejected: %v", d.Err())
	}
	d.Reset()
	binary.BigEndian.PutUint32(header[1:], MaxPayload+1)
	d.Push(header)
	if !errors.Is(d.Err(), ErrFrameTooLarge) {
		t.Fatalf("err = %v", d.Err())
	}
}
