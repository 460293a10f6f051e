package weft

import (
	"context"
	"fmt"

	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/wire"
)

// LoadProcess builds a process from its definition, hosts it locally and
// records it as active in the directory.
func (w *Worker) LoadProcess(ctx context.Context, name, definition, param string) error {
	logger := w.logger.With(LabelProcess.L(name))

	if err := process.ValidateName(name); err != nil {
		return err
	}
	if _, exists := w.Process(name); exists {
		return fmt.Errorf("%w: %s", ErrProcessExists, name)
	}

	p, err := w.config.loader.Load(ctx, name, definition, param)
	if err != nil {
		w.msink.IncrCounterWithLabels(MetricWeftProcessLoadErrCount, 1.0, w.labels())
		return fmt.Errorf("%w: %w", ErrProcessLoad, err)
	}

	w.procLk.Lock()
	if _, exists := w.procs[name]; exists {
		w.procLk.Unlock()
		_ = p.Close()
		return fmt.Errorf("%w: %s", ErrProcessExists, name)
	}
	w.procs[name] = p
	w.procLk.Unlock()

	err = w.dir.PutProcessRecord(ctx, directory.ProcessRecord{
		ProcessName:  name,
		InstanceName: w.config.instanceName,
		Definition:   definition,
		Parameter:    param,
		IsActive:     true,
	})
	if err != nil {
		w.unloadLocal(name, p)
		w.msink.IncrCounterWithLabels(MetricWeftProcessLoadErrCount, 1.0, w.labels())
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	w.msink.IncrCounterWithLabels(MetricWeftProcessLoadCount, 1.0, w.labels())
	logger.Info("process loaded", "definition", definition)
	return nil
}

func (w *Worker) unloadLocal(name string, p *process.Process) {
	w.procLk.Lock()
	if w.procs[name] == p {
		delete(w.procs, name)
	}
	w.procLk.Unlock()
	_ = p.Close()
}

// localOutput checks that the output side of key is hosted here.
func (w *Worker) localOutput(key directory.ConnectionKey) (process.OutputEndpoint, wire.ErrorCode) {
	p, ok := w.Process(key.FromProcess)
	if !ok {
		return nil, wire.ProcessNotFound
	}
	ep, ok := p.Output(key.FromEndpoint)
	if !ok {
		return nil, wire.ProcessInputNotFound
	}
	return ep, wire.Success
}

// localInput checks that the input side of key is hosted here.
func (w *Worker) localInput(key directory.ConnectionKey) (process.InputEndpoint, wire.ErrorCode) {
	p, ok := w.Process(key.ToProcess)
	if !ok {
		return nil, wire.ProcessNotFound
	}
	ep, ok := p.Input(key.ToEndpoint)
	if !ok {
		return nil, wire.ProcessInputNotFound
	}
	return ep, wire.Success
}
