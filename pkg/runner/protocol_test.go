package runner

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func framePair(t *testing.T) (*TCPFrameConn, *TCPFrameConn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewTCPFrameConn(a), NewTCPFrameConn(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestTCPFrameConn_RoundTrip(t *testing.T) {
	sender, receiver := framePair(t)

	sent := Frame{Tag: "exec", Payloads: [][]byte{[]byte(`{"code":"1+1"}`), []byte("extra")}}
	go func() {
		_ = sender.Send(sent)
	}()

	got, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, "exec", got.Tag)
	require.Len(t, got.Payloads, 2)
	assert.Equal(t, []byte(`{"code":"1+1"}`), got.Payloads[0])
	assert.Equal(t, []byte("extra"), got.Payloads[1])
}

func TestTCPFrameConn_BareTagMessage(t *testing.T) {
	sender, receiver := framePair(t)

	go func() {
		_ = sender.Send(Frame{Tag: "interrupt"})
	}()

	got, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, "interrupt", got.Tag)
	assert.Empty(t, got.Payloads)
}

func TestTCPFrameConn_OversizedFrameTruncated(t *testing.T) {
	sender, receiver := framePair(t)

	// One byte past the cap: the received payload must be exactly the cap,
	// and the stream must stay aligned for the next message.
	oversized := bytes.Repeat([]byte{'x'}, maxRecordSize+1)
	go func() {
		_ = sender.Send(Frame{Tag: "stdout", Payloads: [][]byte{oversized}})
		_ = sender.Send(Frame{Tag: "finished"})
	}()

	got, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, "stdout", got.Tag)
	require.Len(t, got.Payloads, 1)
	assert.Len(t, got.Payloads[0], maxRecordSize)

	next, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, "finished", next.Tag)
}

func TestTCPFrameConn_EmptyMessageRejected(t *testing.T) {
	a, b := net.Pipe()
	receiver := NewTCPFrameConn(b)
	t.Cleanup(func() {
		a.Close()
		receiver.Close()
	})

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], 0)
		_, _ = a.Write(header[:])
	}()

	_, err := receiver.Recv()
	require.Error(t, err)
}
