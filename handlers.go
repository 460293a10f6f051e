package weft

import (
	"log/slog"
	"net"
	"time"

	"github.com/raskyld/weft/pkg/wire"
)

// handleReceiver accepts the far end of a streamed connection. It
// reports whether conn now belongs to a pump.
func (w *Worker) handleReceiver(conn net.Conn, msg wire.MessageType, logger *slog.Logger) bool {
	frame, err := wire.ReadConnectFrame(conn, msg)
	if err != nil {
		logger.Debug("malformed connect frame", LabelError.L(err))
		return false
	}
	key := connectionKey(frame)
	reverse := msg.Reverse()
	logger = logger.With(LabelConnection.L(key.String()))

	// The peer opened the other side, so we serve the opposite endpoint.
	var code wire.ErrorCode
	if reverse {
		_, code = w.localOutput(key)
	} else {
		_, code = w.localInput(key)
	}
	if code != wire.Success {
		logger.Debug("refusing connection", LabelCode.L(code.String()))
		w.reply(conn, code, logger)
		return false
	}

	// Reverse receivers drain a local output.
	reg := w.registryFor(!reverse)
	if existing, ok := reg.get(key); ok {
		if frame.KillIfExists {
			logger.Info("peer asked to drop stale connection", LabelConnID.L(existing.ID.String()))
			existing.Cancel(errRestart)
		}
		w.reply(conn, wire.ServerRecovering, logger)
		return false
	}

	dir := Forward
	if reverse {
		dir = Reverse
	}
	lc := newLiveConnection(w.ctx, key, dir, Streamed)
	if !reg.insert(lc) {
		w.reply(conn, wire.ConnectionAdditionRace, logger)
		return false
	}

	if !w.reply(conn, wire.Success, logger) {
		reg.remove(lc)
		lc.Cancel(errCompleted)
		return false
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		logger.Debug("failed to clear deadline", LabelError.L(err))
	}

	var started bool
	if reverse {
		started = w.startEgress(reg, lc, conn)
	} else {
		started = w.startIngress(reg, lc, conn)
	}
	if started {
		logger.Debug("accepted streamed connection", LabelConnID.L(lc.ID.String()), LabelDirection.L(dir.String()))
		w.countEstablished(lc)
	}
	return started
}

// handleInitiator is how a client asks us to open a connection we own.
// An existing connection is restarted.
func (w *Worker) handleInitiator(conn net.Conn, msg wire.MessageType, logger *slog.Logger) {
	frame, err := wire.ReadConnectFrame(conn, msg)
	if err != nil {
		logger.Debug("malformed connect frame", LabelError.L(err))
		return
	}
	key := connectionKey(frame)
	reverse := msg.Reverse()
	logger = logger.With(LabelConnection.L(key.String()))

	var code wire.ErrorCode
	if reverse {
		_, code = w.localInput(key)
	} else {
		_, code = w.localOutput(key)
	}
	if code == wire.Success {
		// Establishing may dial a peer and outlive the handshake deadline.
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			logger.Debug("failed to clear deadline", LabelError.L(err))
		}
		code = w.Establish(w.ctx, key, reverse, true, true)
	}
	logger.Debug("initiator request served", LabelCode.L(code.String()))
	w.reply(conn, code, logger)
}

func (w *Worker) handleLoad(conn net.Conn, logger *slog.Logger) {
	frame, err := wire.ReadLoadProcessFrame(conn)
	if err != nil {
		logger.Debug("malformed load frame", LabelError.L(err))
		return
	}

	code := wire.Success
	if err := w.LoadProcess(w.ctx, frame.Name, frame.Definition, frame.Param); err != nil {
		logger.Warn("remote load failed", LabelProcess.L(frame.Name), LabelError.L(err))
		code = wire.ProcessLoadFailed
	}
	w.reply(conn, code, logger)
}
