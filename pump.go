package weft

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/wire"
)

type pumpOutcome uint8

const (
	// The producer finished and told the consumer so.
	outcomeCompleted pumpOutcome = iota
	// The transfer broke, it must be re-established.
	outcomeFailed
	// The worker is going away, nothing to do.
	outcomeCancelled
)

func (o pumpOutcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

func classify(lc *LiveConnection, err error) pumpOutcome {
	if err == nil {
		return outcomeCompleted
	}
	if errors.Is(context.Cause(lc.ctx), ErrShutdown) {
		return outcomeCancelled
	}
	return outcomeFailed
}

func (w *Worker) startFused(lc *LiveConnection, out process.FusableOutput, in process.InputEndpoint) bool {
	return w.startPump(w.out, lc, nil, func(ctx context.Context) error {
		return out.ToInput(ctx, in, lc.Key.ToProcess, lc.Key.ToEndpoint)
	})
}

// startEgress drains the local output of lc into conn.
func (w *Worker) startEgress(reg *connRegistry, lc *LiveConnection, conn net.Conn) bool {
	return w.startPump(reg, lc, conn, func(ctx context.Context) error {
		out, code := w.localOutput(lc.Key)
		if code != wire.Success {
			return code.Err()
		}
		// Peers never write on an egress socket, a read only returns once
		// they are gone or the pump closed conn.
		if !w.goTask(func() {
			_, _ = io.Copy(io.Discard, conn)
			lc.cancel(errPeerClosed)
		}) {
			return ErrShutdown
		}
		return out.ToStream(ctx, w.limitWriter(ctx, conn), lc.Key.ToProcess, lc.Key.ToEndpoint)
	})
}

// startIngress feeds the local input of lc from conn.
func (w *Worker) startIngress(reg *connRegistry, lc *LiveConnection, conn net.Conn) bool {
	return w.startPump(reg, lc, conn, func(ctx context.Context) error {
		in, code := w.localInput(lc.Key)
		if code != wire.Success {
			return code.Err()
		}
		return in.FromStream(ctx, w.limitReader(ctx, conn), lc.Key.FromProcess, lc.Key.FromEndpoint)
	})
}

// startPump runs transfer in the background until it ends, then settles
// the registry entry of lc. The entry is released if the worker is
// already shutting down.
func (w *Worker) startPump(reg *connRegistry, lc *LiveConnection, conn net.Conn, transfer func(context.Context) error) bool {
	started := w.goTask(func() {
		var stop func() bool
		if conn != nil {
			// Unblock reads and writes as soon as the connection is cancelled.
			stop = context.AfterFunc(lc.ctx, func() { conn.Close() })
		}

		start := time.Now()
		err := transfer(lc.ctx)
		outcome := classify(lc, err)

		// Settle before closing, so the retry is pending by the time the
		// peer notices.
		w.settle(reg, lc, outcome, err, time.Since(start))
		if stop != nil {
			stop()
			conn.Close()
		}
		lc.cancel(errCompleted)
	})
	if !started {
		reg.remove(lc)
		lc.cancel(ErrShutdown)
		if conn != nil {
			conn.Close()
		}
	}
	return started
}

func (w *Worker) settle(reg *connRegistry, lc *LiveConnection, outcome pumpOutcome, err error, elapsed time.Duration) {
	logger := w.logger.With(
		LabelConnection.L(lc.Key.String()),
		LabelConnID.L(lc.ID.String()),
		LabelRegistry.L(reg.role),
		LabelMode.L(lc.Mode.String()),
		LabelOutcome.L(outcome.String()),
		LabelDuration.L(elapsed),
	)
	w.msink.IncrCounterWithLabels(
		MetricWeftPumpEndCount,
		1.0,
		w.labels(
			LabelRegistry.M(reg.role),
			LabelMode.M(lc.Mode.String()),
			LabelOutcome.M(outcome.String()),
		),
	)

	removed := reg.remove(lc)
	switch outcome {
	case outcomeCompleted:
		logger.Info("connection completed")
		if removed {
			key := lc.Key
			w.goTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), w.config.handshakeTimeout)
				defer cancel()
				if err := w.dir.DeleteConnection(ctx, key); err != nil {
					w.logger.Warn("failed to remove completed connection", LabelConnection.L(key.String()), LabelError.L(err))
				}
			})
		}
	case outcomeCancelled:
		logger.Debug("connection cancelled")
	case outcomeFailed:
		if !removed {
			logger.Warn("failed connection was no longer registered")
		}
		logger.Info("connection failed, scheduling retry", LabelError.L(err))
		w.scheduleReconcile(lc.Key, reg == w.in)
	}
}
