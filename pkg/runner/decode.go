package runner

import (
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// IncrementalUTF8Decoder decodes a byte stream arriving in arbitrary-sized
// chunks into valid UTF-8 text, substituting the Unicode replacement
// character for any ill-formed sequence while tolerating multi-byte
// sequences split across chunk boundaries. stdout and stderr each need
// their own independent instance.
type IncrementalUTF8Decoder struct {
	transformer transform.Transformer
	pending     []byte
}

// NewIncrementalUTF8Decoder constructs a fresh decoder.
func NewIncrementalUTF8Decoder() *IncrementalUTF8Decoder {
	return &IncrementalUTF8Decoder{transformer: runes.ReplaceIllFormed()}
}

// Decode feeds chunk through the decoder, returning the text it could
// resolve. final should be true only on the terminal frame (finished /
// build-finished), at which point any trailing incomplete sequence is
// flushed as a replacement character rather than held indefinitely.
func (d *IncrementalUTF8Decoder) Decode(chunk []byte, final bool) string {
	src := append(d.pending, chunk...)
	d.pending = nil

	var out []byte
	dst := make([]byte, len(src)*2+64)

	for {
		nDst, nSrc, err := d.transformer.Transform(dst, src, final)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch err {
		case nil:
			if len(src) > 0 && !final {
				// Leftover bytes with no error on a non-final call only
				// happens if dst was exactly filled; loop again.
				continue
			}
			d.pending = append(d.pending, src...)
			return string(out)
		case transform.ErrShortDst:
			dst = make([]byte, len(dst)*2+64)
			continue
		case transform.ErrShortSrc:
			if final {
				// No more input coming: treat the remainder as ill-formed.
				out = append(out, string([]rune{0xFFFD})...)
				return string(out)
			}
			d.pending = append(d.pending, src...)
			return string(out)
		default:
			// Unexpected transform error: surface what we have and reset.
			d.pending = nil
			return string(out)
		}
	}
}
