package frame

import (
	"errors"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextDecoder turns a stream of OUTPUT payloads into text. A multi-byte
// character split across payloads is held back until its remaining bytes
// arrive, so the decoder must live for the whole connection and never be
// reset between frames.
type TextDecoder struct {
	dec     *encoding.Decoder
	pending []byte
}

// NewTextDecoder returns a streaming UTF-8 decoder. Invalid sequences are
// replaced with U+FFFD.
func NewTextDecoder() *TextDecoder {
	return &TextDecoder{dec: unicode.UTF8.NewDecoder()}
}

// Decode consumes p and returns all text that is complete so far.
func (t *TextDecoder) Decode(p []byte) string {
	return t.transform(p, false)
}

// Flush returns whatever is still pending, replacing a truncated character.
func (t *TextDecoder) Flush() string {
	return t.transform(nil, true)
}

// Pending reports how many bytes of an incomplete character are held back.
func (t *TextDecoder) Pending() int {
	return len(t.pending)
}

// Reset discards pending bytes and decoder state.
func (t *TextDecoder) Reset() {
	t.dec.Reset()
	t.pending = nil
}

func (t *TextDecoder) transform(p []byte, atEOF bool) string {
	src := p
	if len(t.pending) > 0 {
		src = append(t.pending, p...)
		t.pending = nil
	}
	if len(src) == 0 {
		return ""
	}
	// Each invalid byte can expand to a 3-byte U+FFFD.
	dst := make([]byte, 3*len(src))
	nDst, nSrc, err := t.dec.Transform(dst, src, atEOF)
	if errors.Is(err, transform.ErrShortSrc) {
		t.pending = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst])
}
