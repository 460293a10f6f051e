package weft

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/transport"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testRetryInterval = 50 * time.Millisecond

var testKey = directory.ConnectionKey{
	FromProcess:  "p1",
	FromEndpoint: "out",
	ToProcess:    "p2",
	ToEndpoint:   "in",
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// streamOnlyInput refuses fusion so colocated connections get streamed.
type streamOnlyInput struct {
	*flow.Input[[]byte]
}

func (streamOnlyInput) Capabilities() process.Capability {
	return process.CapStream | process.CapAsync
}

func testLoader(t testing.TB) *process.Registry {
	t.Helper()
	reg := process.NewRegistry()
	require.NoError(t, reg.Register("source", func(_ context.Context, p *process.Process, _ string) error {
		out := flow.NewOutput[[]byte](flow.NewBytesCodec(true), 16)
		p.OnClose(out.Close)
		return p.AddOutput("out", out)
	}))
	require.NoError(t, reg.Register("sink", func(_ context.Context, p *process.Process, _ string) error {
		in := flow.NewInput[[]byte](flow.NewBytesCodec(true), 16)
		p.OnClose(in.Close)
		return p.AddInput("in", in)
	}))
	require.NoError(t, reg.Register("stream-sink", func(_ context.Context, p *process.Process, _ string) error {
		in := flow.NewInput[[]byte](flow.NewBytesCodec(true), 16)
		p.OnClose(in.Close)
		return p.AddInput("in", streamOnlyInput{in})
	}))
	require.NoError(t, reg.Register("broken", func(context.Context, *process.Process, string) error {
		return errors.New("broken on purpose")
	}))
	return reg
}

// countingTransport counts outbound dials.
type countingTransport struct {
	transport.Transport
	dials atomic.Int32
}

func (ct *countingTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ct.dials.Add(1)
	return ct.Transport.Dial(ctx, addr)
}

func createWorker(t *testing.T, name string, dir directory.Store, opts ...Option) *Worker {
	t.Helper()
	base := []Option{
		WithInstanceName(name),
		WithListenOn("127.0.0.1:0"),
		WithDirectory(dir),
		WithLoader(testLoader(t)),
		WithLog(testHandler(name)),
		WithRetryInterval(testRetryInterval),
		WithDialTimeout(2 * time.Second),
		WithHandshakeTimeout(2 * time.Second),
	}
	w, err := Create(append(base, opts...)...)
	require.NoError(t, err)
	return w
}

// startWorker creates and starts a worker shut down with the test.
func startWorker(t *testing.T, name string, dir directory.Store, opts ...Option) *Worker {
	t.Helper()
	w := createWorker(t, name, dir, opts...)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, w.Shutdown())
	})
	return w
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func outputOf(t *testing.T, w *Worker, proc string) *flow.Output[[]byte] {
	t.Helper()
	p, ok := w.Process(proc)
	require.True(t, ok, "process %s not hosted by %s", proc, w.Name())
	ep, ok := p.Output("out")
	require.True(t, ok)
	out, ok := ep.(*flow.Output[[]byte])
	require.True(t, ok)
	return out
}

func inputOf(t *testing.T, w *Worker, proc string) *flow.Input[[]byte] {
	t.Helper()
	p, ok := w.Process(proc)
	require.True(t, ok, "process %s not hosted by %s", proc, w.Name())
	ep, ok := p.Input("in")
	require.True(t, ok)
	switch in := ep.(type) {
	case *flow.Input[[]byte]:
		return in
	case streamOnlyInput:
		return in.Input
	}
	require.FailNow(t, "unexpected input type")
	return nil
}

func requireDelivered(t *testing.T, out *flow.Output[[]byte], in *flow.Input[[]byte], msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, out.Send(ctx, []byte(msg)))
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, string(got))
}

func hasKey(conns []LiveConnection, key directory.ConnectionKey) bool {
	for _, lc := range conns {
		if lc.Key == key {
			return true
		}
	}
	return false
}

// spyStore lets tests observe or fail selected directory calls.
type spyStore struct {
	directory.Store
	mock.Mock

	lookups atomic.Int32
}

func (s *spyStore) MarkProcessInactive(ctx context.Context, instance, process string) error {
	args := s.Called(ctx, instance, process)
	if err := args.Error(0); err != nil {
		return err
	}
	return s.Store.MarkProcessInactive(ctx, instance, process)
}

func (s *spyStore) GetAllRecordsForInstance(ctx context.Context, instance string) ([]directory.ProcessRecord, error) {
	args := s.Called(ctx, instance)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return s.Store.GetAllRecordsForInstance(ctx, instance)
}

func (s *spyStore) GetProcessRecord(ctx context.Context, process string) (directory.ProcessRecord, error) {
	s.lookups.Add(1)
	return s.Store.GetProcessRecord(ctx, process)
}
