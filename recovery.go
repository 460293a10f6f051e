package weft

import (
	"context"
	"fmt"

	"github.com/raskyld/weft/pkg/directory"
	"golang.org/x/sync/errgroup"
)

// restoreParallelism bounds how many processes are reloaded at once.
const restoreParallelism = 8

// restore reloads every process the directory places on this instance
// and schedules the reconciliation of its connections. Processes are
// marked inactive first so peers stop dialing them until they are back.
//
// A process failing to load is logged and skipped. Directory failures
// abort the restore.
func (w *Worker) restore(ctx context.Context) error {
	recs, err := w.dir.GetAllRecordsForInstance(ctx, w.config.instanceName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	if len(recs) == 0 {
		return nil
	}
	w.logger.Info("restoring processes", "count", len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreParallelism)
	for _, rec := range recs {
		g.Go(func() error {
			return w.restoreProcess(gctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	return nil
}

func (w *Worker) restoreProcess(ctx context.Context, rec directory.ProcessRecord) error {
	logger := w.logger.With(LabelProcess.L(rec.ProcessName))

	if rec.IsActive {
		if err := w.dir.MarkProcessInactive(ctx, w.config.instanceName, rec.ProcessName); err != nil {
			return err
		}
	}

	if err := w.LoadProcess(ctx, rec.ProcessName, rec.Definition, rec.Parameter); err != nil {
		logger.Error("failed to restore process", LabelError.L(err))
		return nil
	}

	from, err := w.dir.GetAllConnectionsFrom(ctx, rec.ProcessName)
	if err != nil {
		return err
	}
	to, err := w.dir.GetAllConnectionsTo(ctx, rec.ProcessName)
	if err != nil {
		return err
	}

	for _, key := range from {
		w.scheduleReconcile(key, false)
	}
	for _, key := range to {
		w.scheduleReconcile(key, true)
	}
	logger.Debug("process restored", "outgoing", len(from), "incoming", len(to))
	return nil
}
