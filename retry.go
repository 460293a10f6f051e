package weft

import (
	"context"

	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/wire"
)

type retryKey struct {
	key     directory.ConnectionKey
	reverse bool
}

// scheduleReconcile runs ReconcileEdge in the background. When a loop for
// the same edge and side is already running, it is asked for one more
// pass instead.
func (w *Worker) scheduleReconcile(key directory.ConnectionKey, reverse bool) {
	rk := retryKey{key: key, reverse: reverse}

	w.retryLk.Lock()
	if _, running := w.retries[rk]; running {
		w.retries[rk] = true
		w.retryLk.Unlock()
		return
	}
	w.retries[rk] = false
	w.retryLk.Unlock()

	started := w.goTask(func() {
		for {
			err := w.ReconcileEdge(w.ctx, key, reverse)
			if err != nil {
				w.logger.Debug("retry loop stopped", LabelConnection.L(key.String()), LabelError.L(err))
			}

			w.retryLk.Lock()
			if again := w.retries[rk]; again && err == nil {
				w.retries[rk] = false
				w.retryLk.Unlock()
				continue
			}
			delete(w.retries, rk)
			w.retryLk.Unlock()
			return
		}
	})
	if !started {
		w.retryLk.Lock()
		delete(w.retries, rk)
		w.retryLk.Unlock()
	}
}

// pendingRetries counts the running retry loops.
func (w *Worker) pendingRetries() int {
	w.retryLk.Lock()
	defer w.retryLk.Unlock()
	return len(w.retries)
}

// ReconcileEdge establishes key from this side until it is live or no
// longer declared in the directory. It only returns early when ctx is
// done.
//
// Once the peer answered ServerRecovering, later attempts ask it to drop
// the stale connection it holds.
func (w *Worker) ReconcileEdge(ctx context.Context, key directory.ConnectionKey, reverse bool) error {
	dir := Forward
	if reverse {
		dir = Reverse
	}
	logger := w.logger.With(
		LabelConnection.L(key.String()),
		LabelDirection.L(dir.String()),
	)
	reg := w.registryFor(reverse)
	killRemote := false

	for attempt := 1; ; attempt++ {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		if reg.has(key) {
			return nil
		}

		exists, err := w.dir.ConnectionExists(ctx, key)
		if err != nil {
			logger.Warn("failed to check connection record", LabelAttempt.L(attempt), LabelError.L(err))
		} else if !exists {
			logger.Debug("connection no longer declared")
			return nil
		} else {
			w.msink.IncrCounterWithLabels(MetricWeftRetryAttemptCount, 1.0, w.labels())
			code := w.Establish(ctx, key, reverse, false, killRemote)
			if code == wire.Success {
				logger.Info("connection re-established", LabelAttempt.L(attempt))
				return nil
			}
			if code == wire.ServerRecovering {
				killRemote = true
			}
			logger.Debug("establishment attempt failed", LabelAttempt.L(attempt), LabelCode.L(code.String()))
		}

		if err := w.sleep(ctx); err != nil {
			return err
		}
	}
}

// sleep waits for the retry interval or a nudge.
func (w *Worker) sleep(ctx context.Context) error {
	w.retryLk.Lock()
	nudge := w.nudgeCh
	w.retryLk.Unlock()

	timer := w.config.clock.Timer(w.config.retryInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-nudge:
		return nil
	case <-timer.C:
		return nil
	}
}

// nudgeRetries wakes every sleeping retry loop.
func (w *Worker) nudgeRetries() {
	w.retryLk.Lock()
	close(w.nudgeCh)
	w.nudgeCh = make(chan struct{})
	w.retryLk.Unlock()
}
