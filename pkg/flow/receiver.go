package flow

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/raskyld/weft/pkg/process"
)

// Input is a channel-backed input endpoint. Every connection arriving on
// it feeds the same buffer, read with Recv.
type Input[T any] struct {
	codec Codec[T]

	data    chan T
	closeCh chan struct{}

	closed bool
	lk     sync.Mutex
}

var _ process.InputEndpoint = (*Input[int])(nil)

func NewInput[T any](codec Codec[T], bufferSize uint) *Input[T] {
	return &Input[T]{
		codec:   codec,
		data:    make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
}

func (i *Input[T]) Capabilities() process.Capability {
	return process.CapStream | process.CapFuse | process.CapAsync
}

// Recv returns the next delivered message.
func (i *Input[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-i.closeCh:
		return result, ErrFlowClosed
	case elem := <-i.data:
		return elem, nil
	}
}

// Deliver pushes msg to readers, blocking while the buffer is full.
func (i *Input[T]) Deliver(ctx context.Context, msg T) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-i.closeCh:
		return ErrFlowClosed
	case i.data <- msg:
		return nil
	}
}

func (i *Input[T]) Close() error {
	i.lk.Lock()
	defer i.lk.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	close(i.closeCh)
	return nil
}

func (i *Input[T]) FromStream(ctx context.Context, r io.Reader, _, _ string) error {
	br := bufio.NewReader(r)
	for {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		buf, err := readFrame(br)
		if errors.Is(err, errEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}

		msg, err := i.codec.Unmarshal(buf)
		if err != nil {
			return err
		}
		if err := i.Deliver(ctx, msg); err != nil {
			return err
		}
	}
}
