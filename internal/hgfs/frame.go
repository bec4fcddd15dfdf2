package hgfs

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameConn exchanges packets over a byte stream. Each packet is written as
// a single msgpack byte string. Reads and writes may happen concurrently with
// each other.
type FrameConn struct {
	c io.ReadWriteCloser

	rmut sync.Mutex
	br   *bufio.Reader
	dec  *msgpack.Decoder

	wmut sync.Mutex
	bw   *bufio.Writer
	enc  *msgpack.Encoder
}

// NewFrameConn creates a FrameConn over c. FrameConn takes ownership of c.
func NewFrameConn(c io.ReadWriteCloser) *FrameConn {
	var (
		br = bufio.NewReader(c)
		bw = bufio.NewWriter(c)
	)
	return &FrameConn{
		c:   c,
		br:  br,
		dec: msgpack.NewDecoder(br),
		bw:  bw,
		enc: msgpack.NewEncoder(bw),
	}
}

// ReadFrame reads the next packet. Packets larger than MaxPacketSize are
// rejected before they are read.
func (fc *FrameConn) ReadFrame() ([]byte, error) {
	fc.rmut.Lock()
	defer fc.rmut.Unlock()

	n, err := fc.dec.DecodeBytesLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if n > MaxPacketSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum packet size: %w", n, ErrorProtocol)
	}

	// The decoder reads through br directly, so the frame body is read from
	// the same buffer.
	buf := make([]byte, n)
	if _, err := io.ReadFull(fc.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes a single packet.
func (fc *FrameConn) WriteFrame(p []byte) error {
	fc.wmut.Lock()
	defer fc.wmut.Unlock()

	if len(p) > MaxPacketSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum packet size: %w", len(p), ErrorProtocol)
	}
	if err := fc.enc.EncodeBytes(p); err != nil {
		return err
	}
	return fc.bw.Flush()
}

// Close closes the underlying stream.
func (fc *FrameConn) Close() error { return fc.c.Close() }
