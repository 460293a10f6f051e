// Package process describes the units of computation hosted by a worker
// and the endpoints they expose.
package process

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

const MaxNameLength = 128

var invalidName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

var (
	ErrNameInvalid       = errors.New("process: names must only contain alphanum, dashes, dots and be less than 128 chars")
	ErrNameConflict      = errors.New("process: endpoint name conflict")
	ErrClosed            = errors.New("process: closed")
	ErrUnknownDefinition = errors.New("process: unknown definition")
)

// ValidateName checks a process, endpoint or instance name.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength || invalidName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	return nil
}

// Process is the runtime handle of a loaded process.
type Process struct {
	name string

	ctx    context.Context
	cancel context.CancelFunc

	outputs map[string]OutputEndpoint
	inputs  map[string]InputEndpoint
	closers []func() error
	closed  bool
	lk      sync.RWMutex
}

func New(name string) (*Process, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Process{
		name:    name,
		ctx:     ctx,
		cancel:  cancel,
		outputs: make(map[string]OutputEndpoint),
		inputs:  make(map[string]InputEndpoint),
	}, nil
}

func (p *Process) Name() string {
	return p.name
}

// Context is cancelled when the process is closed. Background work
// started by a factory should stop with it.
func (p *Process) Context() context.Context {
	return p.ctx
}

func (p *Process) AddOutput(name string, ep OutputEndpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.outputs[name]; ok {
		return fmt.Errorf("%w: output %s", ErrNameConflict, name)
	}
	p.outputs[name] = ep
	return nil
}

func (p *Process) AddInput(name string, ep InputEndpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.inputs[name]; ok {
		return fmt.Errorf("%w: input %s", ErrNameConflict, name)
	}
	p.inputs[name] = ep
	return nil
}

func (p *Process) Output(name string) (OutputEndpoint, bool) {
	p.lk.RLock()
	defer p.lk.RUnlock()
	ep, ok := p.outputs[name]
	return ep, ok
}

func (p *Process) Input(name string) (InputEndpoint, bool) {
	p.lk.RLock()
	defer p.lk.RUnlock()
	ep, ok := p.inputs[name]
	return ep, ok
}

// OutputNames returns the sorted names of the output endpoints.
func (p *Process) OutputNames() []string {
	p.lk.RLock()
	defer p.lk.RUnlock()
	names := make([]string, 0, len(p.outputs))
	for n := range p.outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputNames returns the sorted names of the input endpoints.
func (p *Process) InputNames() []string {
	p.lk.RLock()
	defer p.lk.RUnlock()
	names := make([]string, 0, len(p.inputs))
	for n := range p.inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OnClose registers fn to run, in reverse registration order, on Close.
func (p *Process) OnClose(fn func() error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	p.closers = append(p.closers, fn)
}

func (p *Process) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	closers := p.closers
	p.closers = nil
	p.lk.Unlock()

	p.cancel()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}
