package weft

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/wire"
)

func (w *Worker) acceptLoop() {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || w.ctx.Err() != nil {
				w.logger.Info("shutdown: stop accepting inbound handshakes")
				return
			}
			w.logger.Warn("failed to accept handshake", LabelError.L(err))
			continue
		}

		if !w.goTask(func() { w.serveConn(conn) }) {
			conn.Close()
			return
		}
	}
}

// serveConn dispatches an inbound socket on its message type. Unless it
// is handed over to a pump, the socket is closed once answered.
func (w *Worker) serveConn(conn net.Conn) {
	logger := w.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))

	// Closing on shutdown unblocks any pending read.
	stop := context.AfterFunc(w.ctx, func() { conn.Close() })
	handedOver := false
	defer func() {
		stop()
		if !handedOver {
			conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(w.config.handshakeTimeout)); err != nil {
		logger.Warn("failed to arm handshake deadline", LabelError.L(err))
		return
	}

	msg, err := wire.ReadMessageType(conn)
	if err != nil {
		logger.Debug("failed to read message type", LabelError.L(err))
		return
	}
	w.msink.IncrCounterWithLabels(
		MetricWeftHandshakeInCount,
		1.0,
		w.labels(LabelMessage.M(msg.String())),
	)
	logger = logger.With(LabelMessage.L(msg.String()))

	switch msg {
	case wire.LoadProcess:
		w.handleLoad(conn, logger)
	case wire.ConnectProcessInitiator, wire.ConnectProcessInitiatorReverse:
		w.handleInitiator(conn, msg, logger)
	case wire.ConnectProcessReceiver, wire.ConnectProcessReceiverReverse:
		handedOver = w.handleReceiver(conn, msg, logger)
	default:
		logger.Warn("unknown message type")
		w.reply(conn, wire.UnknownMessage, logger)
	}
}

func (w *Worker) reply(conn net.Conn, code wire.ErrorCode, logger *slog.Logger) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(w.config.handshakeTimeout)); err != nil {
		logger.Debug("failed to arm write deadline", LabelError.L(err))
		return false
	}
	if err := wire.WriteCode(conn, code); err != nil {
		logger.Debug("failed to answer handshake", LabelCode.L(code.String()), LabelError.L(err))
		return false
	}
	return true
}

func connectionKey(f *wire.ConnectFrame) directory.ConnectionKey {
	return directory.ConnectionKey{
		FromProcess:  f.FromProcess,
		FromEndpoint: f.FromEndpoint,
		ToProcess:    f.ToProcess,
		ToEndpoint:   f.ToEndpoint,
	}
}
