package flow

import (
	"context"
	"io"
	"sync"

	"github.com/raskyld/weft/pkg/process"
)

// Output is a channel-backed output endpoint.
//
// Messages passed to Send are consumed by whichever connection currently
// drains the endpoint. When several connections leave the same Output,
// they compete for messages. Closing the Output lets connections finish
// cleanly once the buffer is drained.
type Output[T any] struct {
	codec Codec[T]

	data    chan T
	closeCh chan struct{}

	// handle Close sync.
	closed bool
	writer sync.WaitGroup
	lk     sync.Mutex
}

var _ process.FusableOutput = (*Output[int])(nil)

func NewOutput[T any](codec Codec[T], bufferSize uint) *Output[T] {
	return &Output[T]{
		codec:   codec,
		data:    make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
}

func (o *Output[T]) Capabilities() process.Capability {
	return process.CapStream | process.CapFuse | process.CapAsync
}

// Send blocks until msg is buffered, ctx is done or the output is closed.
func (o *Output[T]) Send(ctx context.Context, msg T) error {
	o.lk.Lock()
	if o.closed {
		o.lk.Unlock()
		return ErrFlowClosed
	}
	o.writer.Add(1)
	defer o.writer.Done()
	o.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.closeCh:
		return ErrFlowClosed
	case o.data <- msg:
		return nil
	}
}

// Close stops accepting messages. Buffered messages are still delivered.
func (o *Output[T]) Close() error {
	o.lk.Lock()
	defer o.lk.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	close(o.closeCh)
	o.writer.Wait()
	close(o.data)
	return nil
}

func (o *Output[T]) ToStream(ctx context.Context, w io.Writer, _, _ string) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case msg, ok := <-o.data:
			if !ok {
				return writeEnd(w)
			}
			buf, err := o.codec.Marshal(msg)
			if err != nil {
				return err
			}
			if err := writeFrame(w, buf); err != nil {
				return err
			}
		}
	}
}

// CanFuseWith accepts any Input of the same message type.
func (o *Output[T]) CanFuseWith(in process.InputEndpoint, _, _ string) bool {
	_, ok := in.(*Input[T])
	return ok
}

func (o *Output[T]) ToInput(ctx context.Context, in process.InputEndpoint, _, _ string) error {
	target, ok := in.(*Input[T])
	if !ok {
		return ErrNotFusable
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case msg, ok := <-o.data:
			if !ok {
				return nil
			}
			local, err := o.codec.Clone(msg)
			if err != nil {
				return err
			}
			if err := target.Deliver(ctx, local); err != nil {
				return err
			}
		}
	}
}
