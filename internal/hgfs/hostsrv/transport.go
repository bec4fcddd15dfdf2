package hostsrv

import (
	"io"

	"github.com/rfratto/hgfs/internal/hgfs"
)

// NewStreamTransport returns a Transport which exchanges packets as frames
// over rwc.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{fc: hgfs.NewFrameConn(rwc)}
}

type streamTransport struct {
	fc *hgfs.FrameConn
}

func (st *streamTransport) RecvRequest() ([]byte, error) { return st.fc.ReadFrame() }
func (st *streamTransport) SendReply(p []byte) error     { return st.fc.WriteFrame(p) }
func (st *streamTransport) Close() error                 { return st.fc.Close() }
