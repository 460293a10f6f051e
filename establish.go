package weft

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/wire"
)

// Establish makes sure a live connection exists for key on this side of
// the edge.
//
// Forward connections are opened from the worker hosting the output, and
// reverse ones from the worker hosting the input. A reverse request is
// served as a forward one when both endpoints live here.
//
// With killIfExists, an existing connection is cancelled and re-created by
// the retry engine while Success is returned right away. killRemote asks
// the peer to do the same with a stale connection it still holds.
func (w *Worker) Establish(ctx context.Context, key directory.ConnectionKey, reverse, killIfExists, killRemote bool) wire.ErrorCode {
	logger := w.logger.With(LabelConnection.L(key.String()))

	owner := key.ToProcess
	if reverse {
		owner = key.FromProcess
	}
	rec, err := w.dir.GetProcessRecord(ctx, owner)
	if err != nil || !rec.IsActive {
		if err != nil && !errors.Is(err, directory.ErrNotFound) {
			logger.Warn("failed to resolve process owner", LabelProcess.L(owner), LabelError.L(err))
		}
		return w.establishFailed(wire.ActiveProcessNotFound)
	}
	if reverse && rec.InstanceName == w.config.instanceName {
		reverse = false
	}

	var code wire.ErrorCode
	if reverse {
		_, code = w.localInput(key)
	} else {
		_, code = w.localOutput(key)
	}
	if code != wire.Success {
		return w.establishFailed(code)
	}

	reg := w.registryFor(reverse)
	if w.keepExisting(reg, key, killIfExists, logger) {
		return wire.Success
	}

	if !reverse && rec.InstanceName == w.config.instanceName {
		if w.tryFuse(key, logger) {
			return wire.Success
		}
		// Someone may have registered while we were looking at endpoints.
		if w.keepExisting(reg, key, killIfExists, logger) {
			return wire.Success
		}
	}

	return w.dialReceiver(ctx, rec.InstanceName, key, reverse, killRemote, logger)
}

func (w *Worker) keepExisting(reg *connRegistry, key directory.ConnectionKey, kill bool, logger *slog.Logger) bool {
	lc, ok := reg.get(key)
	if !ok {
		return false
	}
	if kill {
		logger.Info("restarting live connection", LabelConnID.L(lc.ID.String()))
		lc.Cancel(errRestart)
	}
	return true
}

func (w *Worker) tryFuse(key directory.ConnectionKey, logger *slog.Logger) bool {
	out, code := w.localOutput(key)
	if code != wire.Success {
		return false
	}
	in, code := w.localInput(key)
	if code != wire.Success {
		return false
	}
	fo, ok := process.CanFuse(out, in, key.ToProcess, key.ToEndpoint)
	if !ok {
		return false
	}

	lc := newLiveConnection(w.ctx, key, Forward, Fused)
	if !w.out.insert(lc) {
		return false
	}
	if !w.startFused(lc, fo, in) {
		return false
	}
	logger.Debug("fused connection established", LabelConnID.L(lc.ID.String()))
	w.countEstablished(lc)
	return true
}

// dialReceiver opens a streamed connection with the worker hosting the
// other side.
func (w *Worker) dialReceiver(
	ctx context.Context,
	instance string,
	key directory.ConnectionKey,
	reverse, killRemote bool,
	logger *slog.Logger,
) wire.ErrorCode {
	addr, err := w.resolveAddr(ctx, instance)
	if err != nil {
		logger.Warn("failed to resolve instance address", LabelPeerName.L(instance), LabelError.L(err))
		return w.establishFailed(wire.ConnectionEstablishFailed)
	}
	logger = logger.With(LabelPeerName.L(instance), LabelPeerAddr.L(addr))

	dialCtx, cancel := context.WithTimeout(ctx, w.config.dialTimeout)
	conn, err := w.tr.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		w.addrCache.Remove(instance)
		logger.Warn("failed to dial peer", LabelError.L(err))
		return w.establishFailed(wire.ConnectionEstablishFailed)
	}

	code, err := w.handshake(conn, key, reverse, killRemote)
	if err != nil {
		conn.Close()
		logger.Warn("handshake failed", LabelError.L(err))
		return w.establishFailed(wire.ConnectionEstablishFailed)
	}
	if code != wire.Success {
		conn.Close()
		logger.Debug("peer refused connection", LabelCode.L(code.String()))
		return w.establishFailed(code)
	}

	dir := Forward
	if reverse {
		dir = Reverse
	}
	lc := newLiveConnection(w.ctx, key, dir, Streamed)
	if !w.registryFor(reverse).insert(lc) {
		conn.Close()
		return w.establishFailed(wire.ConnectionAdditionRace)
	}

	var started bool
	if reverse {
		started = w.startIngress(w.in, lc, conn)
	} else {
		started = w.startEgress(w.out, lc, conn)
	}
	if !started {
		return w.establishFailed(wire.ConnectionEstablishFailed)
	}
	logger.Debug("streamed connection established", LabelConnID.L(lc.ID.String()), LabelDirection.L(dir.String()))
	w.countEstablished(lc)
	return wire.Success
}

func (w *Worker) handshake(conn net.Conn, key directory.ConnectionKey, reverse, killRemote bool) (wire.ErrorCode, error) {
	if err := conn.SetDeadline(time.Now().Add(w.config.handshakeTimeout)); err != nil {
		return 0, err
	}

	msg := wire.ConnectProcessReceiver
	if reverse {
		msg = wire.ConnectProcessReceiverReverse
	}
	frame := wire.ConnectFrame{
		Type:         msg,
		FromProcess:  key.FromProcess,
		FromEndpoint: key.FromEndpoint,
		ToProcess:    key.ToProcess,
		ToEndpoint:   key.ToEndpoint,
		KillIfExists: killRemote,
	}
	if _, err := frame.WriteTo(conn); err != nil {
		return 0, err
	}
	code, err := wire.ReadCode(conn)
	if err != nil {
		return 0, err
	}
	return code, conn.SetDeadline(time.Time{})
}

// resolveAddr finds where instance listens. Answers are cached and
// evicted when dialing them fails.
func (w *Worker) resolveAddr(ctx context.Context, instance string) (string, error) {
	if addr, ok := w.addrCache.Get(instance); ok {
		return addr, nil
	}
	inst, err := w.dir.GetInstance(ctx, instance)
	if err != nil {
		return "", err
	}
	addr := inst.Addr()
	w.addrCache.Add(instance, addr)
	return addr, nil
}

func (w *Worker) establishFailed(code wire.ErrorCode) wire.ErrorCode {
	w.msink.IncrCounterWithLabels(
		MetricWeftHandshakeErrorCount,
		1.0,
		w.labels(LabelCode.M(code.String())),
	)
	return code
}

func (w *Worker) countEstablished(lc *LiveConnection) {
	w.msink.IncrCounterWithLabels(
		MetricWeftConnEstCount,
		1.0,
		w.labels(
			LabelMode.M(lc.Mode.String()),
			LabelDirection.M(lc.Direction.String()),
		),
	)
}
