package frame

import (
	"strings"
	"testing"
)

func TestTextDecoderSplitRune(t *testing.T) {
	// "€" is e2 82 ac.
	euro := []byte("€")
	for split := 1; split < len(euro); split++ {
		td := NewTextDecoder()
		first := td.Decode(append([]byte("a"), euro[:split]...))
		if first != "a" {
			t.Fatalf("split %d: first = %q, want %q", split, first, "a")
		}
		if td.Pending() != split {
			t.Fatalf("split %d: pending = %d", split, td.Pending())
		}
		second := td.Decode(append(euro[split:], 'b'))
		if second != "€b" {
			t.Fatalf("split %d: second = %q, want %q", split, second, "€b")
		}
	}
}

func TestTextDecoderAcrossFrames(t *testing.T) {
	// Four-byte rune split over two OUTPUT frames.
	emoji := []byte("🙂")
	stream := append(Encode(TypeOutput, emoji[:2]), Encode(TypeOutput, emoji[2:])...)

	var d Decoder
	td := NewTextDecoder()
	var out strings.Builder
	for _, f := range d.Push(stream) {
		out.WriteString(td.Decode(f.Payload))
	}
	if out.String() != "🙂" {
		t.Fatalf("decoded %q, want %q", out.String(), "🙂")
	}
	if strings.ContainsRune(out.String(), '�') {
		t.Fatal("replacement character in output")
	}
}

func TestTextDecoderInvalidBytes(t *testing.T) {
	td := NewTextDecoder()
	got := td.Decode([]byte{'o', 0xff, 'k'})
	if got != "o�k" {
		t.Fatalf("got %q", got)
	}
}

func TestTextDecoderFlushTruncated(t *testing.T) {
	td := NewTextDecoder()
	td.Decode([]byte{0xe2, 0x82})
	if got := td.Flush(); got != "�" {
		t.Fatalf("flush = %q, want replacement", got)
	}
	if td.Pending() != 0 {
		t.Fatalf("pending after flush = %d", td.Pending())
	}
}

func TestTextDecoderReset(t *testing.T) {
	td := NewTextDecoder()
	td.Decode([]byte{0xe2})
	td.Reset()
	if got := td.Decode([]byte("x")); got != "x" {
		t.Fatalf("after reset got %q", got)
	}
}
