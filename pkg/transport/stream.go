package transport

import (
	"net"

	"github.com/quic-go/quic-go"
)

// QErrStreamClosed is sent to the peer when we stop reading a stream.
const QErrStreamClosed = quic.StreamErrorCode(0xC)

// streamConn gives a bidirectional QUIC stream net.Conn semantics.
type streamConn struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB(raskyld): quic-go serialises Write/Close/Read internally with a
	// mutex, we only need to make Close tear down both directions.
	quic.Stream
}

var _ net.Conn = (*streamConn)(nil)

func newStreamConn(cx quic.Connection, s quic.Stream) *streamConn {
	return &streamConn{
		localAddr:  cx.LocalAddr(),
		remoteAddr: cx.RemoteAddr(),
		Stream:     s,
	}
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.localAddr
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.remoteAddr
}

// Close stops reading and closes the write direction so the peer sees a
// clean EOF once buffered data has been flushed.
func (sc *streamConn) Close() error {
	sc.Stream.CancelRead(QErrStreamClosed)
	return sc.Stream.Close()
}
