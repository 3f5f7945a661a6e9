package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrementalUTF8Decoder_SplitMultiByteSequence(t *testing.T) {
	d := NewIncrementalUTF8Decoder()

	// "héllo" with é (0xC3 0xA9) split across two chunks.
	first := d.Decode([]byte{'h', 0xC3}, false)
	second := d.Decode([]byte{0xA9, 'l', 'l', 'o'}, false)

	assert.Equal(t, "héllo", first+second)
	assert.NotContains(t, first+second, "�")
}

func TestIncrementalUTF8Decoder_IllFormedByteReplaced(t *testing.T) {
	d := NewIncrementalUTF8Decoder()

	out := d.Decode([]byte{'a', 0xFF, 'b'}, false)
	assert.Equal(t, "a�b", out)
}

func TestIncrementalUTF8Decoder_FinalFlushReplacesTruncatedTail(t *testing.T) {
	d := NewIncrementalUTF8Decoder()

	// A dangling lead byte with no continuation, then the terminal flush.
	partial := d.Decode([]byte{'o', 'k', 0xE2}, false)
	tail := d.Decode(nil, true)

	assert.Equal(t, "ok", partial)
	assert.Equal(t, "�", tail)
}

func TestIncrementalUTF8Decoder_InstancesAreIndependent(t *testing.T) {
	stdout := NewIncrementalUTF8Decoder()
	stderr := NewIncrementalUTF8Decoder()

	// stdout holds back a split sequence; stderr's stream must not absorb it.
	held := stdout.Decode([]byte{0xC3}, false)
	errText := stderr.Decode([]byte("plain"), false)
	resumed := stdout.Decode([]byte{0xA9}, false)

	assert.Equal(t, "", held)
	assert.Equal(t, "plain", errText)
	assert.Equal(t, "é", resumed)
}

func TestIncrementalUTF8Decoder_LongRunOfASCII(t *testing.T) {
	d := NewIncrementalUTF8Decoder()
	in := strings.Repeat("x", 1<<16)
	assert.Equal(t, in, d.Decode([]byte(in), false))
}
