// Package runner implements the duplex runner I/O protocol: the
// multi-frame channel to the in-container code runner, the per-run output
// queue multiplexer, completion/service-start side channels, and the
// execution watchdog. The wire transport is a plain length-prefixed
// framing over net.Conn, behind the FrameConn interface so another
// transport can be substituted.
package runner

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxRecordSize bounds any single frame payload; larger frames are
// truncated on receipt.
const maxRecordSize = 10 * 1024 * 1024

// Frame is one multi-frame message: Tag is the ASCII command/event name
// carried in the first frame, Payloads are the remaining frames.
type Frame struct {
	Tag      string
	Payloads [][]byte
}

// FrameConn is the narrow transport surface the runner needs: send and
// receive whole multi-frame messages, close on teardown.
type FrameConn interface {
	Send(f Frame) error
	Recv() (Frame, error)
	Close() error
}

// TCPFrameConn implements FrameConn over a length-prefixed wire format:
// a uint32 frame count followed by, per frame, a uint32 byte length and
// the frame bytes.
type TCPFrameConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewTCPFrameConn wraps an already-established connection.
func NewTCPFrameConn(conn net.Conn) *TCPFrameConn {
	return &TCPFrameConn{conn: conn, r: bufio.NewReaderSize(conn, 64*1024)}
}

// DialTCPFrameConn connects to addr and wraps the resulting connection.
func DialTCPFrameConn(addr string) (*TCPFrameConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial runner at %s: %w", addr, err)
	}
	return NewTCPFrameConn(conn), nil
}

// Send writes one multi-frame message: tag first, then each payload.
func (c *TCPFrameConn) Send(f Frame) error {
	frames := make([][]byte, 0, 1+len(f.Payloads))
	frames = append(frames, []byte(f.Tag))
	frames = append(frames, f.Payloads...)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frames)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("write frame count: %w", err)
	}
	for _, fr := range frames {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(fr)))
		if _, err := c.conn.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("write frame length: %w", err)
		}
		if _, err := c.conn.Write(fr); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

// Recv reads one multi-frame message, truncating any frame whose declared
// length exceeds maxRecordSize.
func (c *TCPFrameConn) Recv() (Frame, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(c.r, countBuf[:]); err != nil {
		return Frame{}, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count == 0 {
		return Frame{}, fmt.Errorf("received empty multi-frame message")
	}

	frames := make([][]byte, count)
	for i := range frames {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			return Frame{}, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		readN := n
		truncated := false
		if readN > maxRecordSize {
			readN = maxRecordSize
			truncated = true
		}
		buf := make([]byte, readN)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return Frame{}, err
		}
		if truncated {
			if _, err := io.CopyN(io.Discard, c.r, int64(n-readN)); err != nil {
				return Frame{}, err
			}
		}
		frames[i] = buf
	}

	return Frame{Tag: string(frames[0]), Payloads: frames[1:]}, nil
}

// Close closes the underlying connection.
func (c *TCPFrameConn) Close() error {
	return c.conn.Close()
}
