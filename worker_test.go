package weft

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/raskyld/weft/internal/testcert"
	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/transport"
	"github.com/raskyld/weft/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateOptions(t *testing.T) {
	_, err := Create(WithInstanceName("w1"), WithLoader(testLoader(t)))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoDirectory)

	_, err = Create(WithInstanceName("not valid!"), WithDirectory(directory.NewMemory()), WithLoader(testLoader(t)))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithDirectory(directory.NewMemory()), WithLoader(testLoader(t)))
	require.ErrorIs(t, err, ErrInvalidCfg)

	w := createWorker(t, "w1", directory.NewMemory())
	require.Equal(t, "w1", w.Name())
	require.NoError(t, w.Shutdown())
	require.ErrorIs(t, w.Start(context.Background()), ErrShutdown)
}

func TestStartRegistersInstance(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w := startWorker(t, "w1", dir)

	inst, err := dir.GetInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, w.Instance(), inst)
	require.Equal(t, "127.0.0.1", inst.Address)
	require.NotZero(t, inst.Port)

	require.ErrorIs(t, w.Start(ctx), ErrAlreadyStarted)
}

func TestStartFailsOnDirectoryError(t *testing.T) {
	spy := &spyStore{Store: directory.NewMemory()}
	spy.On("GetAllRecordsForInstance", mock.Anything, "w1").
		Return(nil, directory.ErrClosed)

	w := createWorker(t, "w1", spy)
	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrDirectory)
	require.ErrorIs(t, err, directory.ErrClosed)
	require.NoError(t, w.Shutdown())
	spy.AssertExpectations(t)
}

// brokenIncomingStore fails to list the connections reaching a process.
type brokenIncomingStore struct {
	directory.Store
	err error
}

func (s *brokenIncomingStore) GetAllConnectionsTo(context.Context, string) ([]directory.ConnectionKey, error) {
	return nil, s.err
}

// A restore failing halfway leaves nothing running and nothing active.
func TestStartFailsDuringRestore(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	require.NoError(t, dir.PutProcessRecord(ctx, directory.ProcessRecord{
		ProcessName:  "p1",
		InstanceName: "w1",
		Definition:   "source",
		IsActive:     true,
	}))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	down := errors.New("directory down")
	w := createWorker(t, "w1", &brokenIncomingStore{Store: dir, err: down})
	err := w.Start(ctx)
	require.ErrorIs(t, err, ErrDirectory)
	require.ErrorIs(t, err, down)

	require.Empty(t, w.Processes())
	require.Zero(t, w.pendingRetries())
	rec, err := dir.GetProcessRecord(ctx, "p1")
	require.NoError(t, err)
	require.False(t, rec.IsActive)

	_, err = net.DialTimeout("tcp", w.Instance().Addr(), time.Second)
	require.Error(t, err)

	require.ErrorIs(t, w.Start(ctx), ErrShutdown)
	require.NoError(t, w.Shutdown())
}

func TestLoadProcess(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w := startWorker(t, "w1", dir)

	require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))
	require.ErrorIs(t, w.LoadProcess(ctx, "p1", "source", ""), ErrProcessExists)
	require.ErrorIs(t, w.LoadProcess(ctx, "p2", "broken", ""), ErrProcessLoad)
	require.ErrorIs(t, w.LoadProcess(ctx, "p3", "unknown", ""), ErrProcessLoad)
	require.Error(t, w.LoadProcess(ctx, "bad name", "source", ""))
	require.Equal(t, []string{"p1"}, w.Processes())

	rec, err := dir.GetProcessRecord(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, directory.ProcessRecord{
		ProcessName:  "p1",
		InstanceName: "w1",
		Definition:   "source",
		IsActive:     true,
	}, rec)

	_, err = dir.GetProcessRecord(ctx, "p2")
	require.ErrorIs(t, err, directory.ErrNotFound)
}

// Colocated endpoints agreeing on fusion never touch the network.
func TestFusedConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	ct := &countingTransport{Transport: transport.NewTCP()}
	w := startWorker(t, "w1", dir, WithTransport(ct))

	require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, w.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w.Establish(ctx, testKey, false, false, false))

	conns := w.OutConnections()
	require.Len(t, conns, 1)
	require.Equal(t, testKey, conns[0].Key)
	require.Equal(t, Fused, conns[0].Mode)
	require.Equal(t, Forward, conns[0].Direction)
	require.Empty(t, w.InConnections())
	require.Zero(t, ct.dials.Load())

	requireDelivered(t, outputOf(t, w, "p1"), inputOf(t, w, "p2"), "hello")

	t.Run("establishing again is a no-op", func(t *testing.T) {
		require.Equal(t, wire.Success, w.Establish(ctx, testKey, false, false, false))
		again := w.OutConnections()
		require.Len(t, again, 1)
		require.Equal(t, conns[0].ID, again[0].ID)
		require.Zero(t, ct.dials.Load())
	})
}

func TestReverseIsServedForwardWhenLocal(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w := startWorker(t, "w1", dir)

	require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, w.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w.Establish(ctx, testKey, true, false, false))
	conns := w.OutConnections()
	require.Len(t, conns, 1)
	require.Equal(t, Fused, conns[0].Mode)
	require.Equal(t, Forward, conns[0].Direction)
	require.Empty(t, w.InConnections())
}

// A colocated input refusing fusion is reached through our own listener.
func TestLocalStreamedConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	ct := &countingTransport{Transport: transport.NewTCP()}
	w := startWorker(t, "w1", dir, WithTransport(ct))

	require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, w.LoadProcess(ctx, "p2", "stream-sink", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w.Establish(ctx, testKey, false, false, false))
	require.EqualValues(t, 1, ct.dials.Load())

	outs := w.OutConnections()
	require.Len(t, outs, 1)
	require.Equal(t, Streamed, outs[0].Mode)
	require.Eventually(t, func() bool {
		return hasKey(w.InConnections(), testKey)
	}, 5*time.Second, 10*time.Millisecond)

	requireDelivered(t, outputOf(t, w, "p1"), inputOf(t, w, "p2"), "over the loopback")
}

func TestStreamedConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w1 := startWorker(t, "w1", dir)
	w2 := startWorker(t, "w2", dir)

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w2.Establish(ctx, testKey, false, false, false))

	outs := w2.OutConnections()
	require.Len(t, outs, 1)
	require.Equal(t, Streamed, outs[0].Mode)
	require.Equal(t, Forward, outs[0].Direction)

	require.Eventually(t, func() bool {
		return hasKey(w1.InConnections(), testKey)
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, w1.OutConnections())
	require.Empty(t, w2.InConnections())

	out, in := outputOf(t, w2, "p1"), inputOf(t, w1, "p2")
	for _, msg := range []string{"a", "bb", "ccc"} {
		requireDelivered(t, out, in, msg)
	}
}

// readTrackingTransport counts reads still blocked on dialed sockets.
type readTrackingTransport struct {
	transport.Transport
	pending atomic.Int32
}

type readTrackingConn struct {
	net.Conn
	pending *atomic.Int32
}

func (rt *readTrackingTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := rt.Transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &readTrackingConn{Conn: conn, pending: &rt.pending}, nil
}

func (c *readTrackingConn) Read(p []byte) (int, error) {
	c.pending.Add(1)
	defer c.pending.Add(-1)
	return c.Conn.Read(p)
}

// Shutdown returns only once every goroutine reading an egress socket is
// gone.
func TestShutdownWaitsForEgressReaders(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	tr := &readTrackingTransport{Transport: transport.NewTCP()}
	w1 := startWorker(t, "w1", dir)
	w2 := startWorker(t, "w2", dir, WithTransport(tr))

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))
	require.Equal(t, wire.Success, w2.Establish(ctx, testKey, false, false, false))
	require.Eventually(t, func() bool {
		return tr.pending.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w2.Shutdown())
	require.Zero(t, tr.pending.Load())
}

func TestReverseConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w1 := startWorker(t, "w1", dir)
	w2 := startWorker(t, "w2", dir)

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w1.Establish(ctx, testKey, true, false, false))

	ins := w1.InConnections()
	require.Len(t, ins, 1)
	require.Equal(t, Reverse, ins[0].Direction)
	require.Empty(t, w1.OutConnections())

	require.Eventually(t, func() bool {
		outs := w2.OutConnections()
		return len(outs) == 1 && outs[0].Direction == Reverse
	}, 5*time.Second, 10*time.Millisecond)

	requireDelivered(t, outputOf(t, w2, "p1"), inputOf(t, w1, "p2"), "pulled")
}

func TestEstablishFailures(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w1 := startWorker(t, "w1", dir)
	w2 := startWorker(t, "w2", dir)

	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))

	t.Run("owner of the other side is unknown", func(t *testing.T) {
		require.Equal(t, wire.ActiveProcessNotFound, w2.Establish(ctx, testKey, false, false, false))
	})

	t.Run("owner of the other side is inactive", func(t *testing.T) {
		require.NoError(t, dir.PutProcessRecord(ctx, directory.ProcessRecord{
			ProcessName:  "p2",
			InstanceName: "w1",
			Definition:   "sink",
		}))
		require.Equal(t, wire.ActiveProcessNotFound, w2.Establish(ctx, testKey, false, false, false))
	})

	t.Run("local output is missing", func(t *testing.T) {
		require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
		key := testKey
		key.FromEndpoint = "nope"
		require.Equal(t, wire.ProcessInputNotFound, w2.Establish(ctx, key, false, false, false))
		key = testKey
		key.FromProcess = "p9"
		require.Equal(t, wire.ProcessNotFound, w2.Establish(ctx, key, false, false, false))
	})

	t.Run("remote input is missing", func(t *testing.T) {
		key := testKey
		key.ToEndpoint = "nope"
		require.Equal(t, wire.ProcessInputNotFound, w2.Establish(ctx, key, false, false, false))
	})

	t.Run("remote instance is unreachable", func(t *testing.T) {
		require.NoError(t, dir.RegisterInstance(ctx, directory.WorkerInstance{
			Name:    "ghost",
			Address: "127.0.0.1",
			Port:    1,
		}))
		require.NoError(t, dir.PutProcessRecord(ctx, directory.ProcessRecord{
			ProcessName:  "p3",
			InstanceName: "ghost",
			Definition:   "sink",
			IsActive:     true,
		}))
		key := testKey
		key.ToProcess = "p3"
		require.Equal(t, wire.ConnectionEstablishFailed, w2.Establish(ctx, key, false, false, false))
	})

	require.Empty(t, w2.OutConnections())
	require.Empty(t, w1.InConnections())
}

// Scenario: an existing connection asked to be killed is re-created by the
// retry engine on both sides.
func TestKillIfExistsRestartsConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	clk := clock.NewMock()
	w1 := startWorker(t, "w1", dir, WithClock(clk))
	w2 := startWorker(t, "w2", dir, WithClock(clk))

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w2.Establish(ctx, testKey, false, false, false))
	old := w2.OutConnections()[0].ID

	require.Equal(t, wire.Success, w2.Establish(ctx, testKey, false, true, false))

	require.Eventually(t, func() bool {
		clk.Add(testRetryInterval)
		outs, ins := w2.OutConnections(), w1.InConnections()
		return len(outs) == 1 && outs[0].ID != old &&
			len(ins) == 1 &&
			w1.pendingRetries() == 0 && w2.pendingRetries() == 0
	}, 10*time.Second, 20*time.Millisecond)

	requireDelivered(t, outputOf(t, w2, "p1"), inputOf(t, w1, "p2"), "after restart")
}

// Scenario: a worker restarting reloads its processes and reconciles
// their connections, even though its peer held the other half.
func TestRestartRecovery(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w1 := startWorker(t, "w1", dir)
	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))

	first := createWorker(t, "w2", dir)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))
	require.Equal(t, wire.Success, first.Establish(ctx, testKey, false, false, false))
	require.Eventually(t, func() bool {
		return hasKey(w1.InConnections(), testKey)
	}, 5*time.Second, 10*time.Millisecond)

	// Crash, the record is still marked active.
	require.NoError(t, first.Shutdown())
	rec, err := dir.GetProcessRecord(ctx, "p1")
	require.NoError(t, err)
	require.True(t, rec.IsActive)

	spy := &spyStore{Store: dir}
	spy.On("GetAllRecordsForInstance", mock.Anything, "w2").Return(nil, nil)
	spy.On("MarkProcessInactive", mock.Anything, "w2", "p1").Return(nil)
	second := startWorker(t, "w2", spy)
	spy.AssertExpectations(t)

	require.Equal(t, []string{"p1"}, second.Processes())
	rec, err = dir.GetProcessRecord(ctx, "p1")
	require.NoError(t, err)
	require.True(t, rec.IsActive)

	require.Eventually(t, func() bool {
		return hasKey(second.OutConnections(), testKey) &&
			hasKey(w1.InConnections(), testKey) &&
			w1.pendingRetries() == 0 && second.pendingRetries() == 0
	}, 10*time.Second, 20*time.Millisecond)

	requireDelivered(t, outputOf(t, second, "p1"), inputOf(t, w1, "p2"), "back online")
}

// A failed attempt is retried once the interval elapsed, not before.
func TestRetryWaitsForInterval(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	spy := &spyStore{Store: dir}
	spy.On("GetAllRecordsForInstance", mock.Anything, mock.Anything).Return(nil, nil)
	clk := clock.NewMock()

	w1 := startWorker(t, "w1", dir)
	w2 := startWorker(t, "w2", spy, WithClock(clk))

	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	w2.scheduleReconcile(testKey, false)
	require.Eventually(t, func() bool {
		return spy.lookups.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.Never(t, func() bool {
		return len(w2.OutConnections()) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, 1, w2.pendingRetries())

	require.Eventually(t, func() bool {
		clk.Add(testRetryInterval)
		return hasKey(w2.OutConnections(), testKey) && w2.pendingRetries() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// scriptedReceiver answers connect handshakes with codes taken in order
// and records the kill flag of each request.
type scriptedReceiver struct {
	ln    net.Listener
	codes []wire.ErrorCode

	lk    sync.Mutex
	kills []bool
	held  []net.Conn
}

func newScriptedReceiver(t *testing.T, codes ...wire.ErrorCode) *scriptedReceiver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sr := &scriptedReceiver{ln: ln, codes: codes}
	t.Cleanup(func() {
		ln.Close()
		sr.lk.Lock()
		defer sr.lk.Unlock()
		for _, conn := range sr.held {
			conn.Close()
		}
	})
	go sr.serve()
	return sr
}

func (sr *scriptedReceiver) serve() {
	for {
		conn, err := sr.ln.Accept()
		if err != nil {
			return
		}
		msg, err := wire.ReadMessageType(conn)
		if err != nil {
			conn.Close()
			continue
		}
		frame, err := wire.ReadConnectFrame(conn, msg)
		if err != nil {
			conn.Close()
			continue
		}

		sr.lk.Lock()
		code := wire.ConnectionEstablishFailed
		if n := len(sr.kills); n < len(sr.codes) {
			code = sr.codes[n]
		}
		sr.kills = append(sr.kills, frame.KillIfExists)
		if code == wire.Success {
			sr.held = append(sr.held, conn)
		}
		sr.lk.Unlock()

		_ = wire.WriteCode(conn, code)
		if code != wire.Success {
			conn.Close()
		}
	}
}

func (sr *scriptedReceiver) killFlags() []bool {
	sr.lk.Lock()
	defer sr.lk.Unlock()
	return append([]bool(nil), sr.kills...)
}

// Once a peer answered ServerRecovering, every later attempt asks it to
// drop its stale half, whatever the peer answers in between.
func TestReconcileKeepsAskingPeerToRecover(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	peer := newScriptedReceiver(t,
		wire.ServerRecovering,
		wire.ConnectionEstablishFailed,
		wire.ServerRecovering,
		wire.Success,
	)
	addr := peer.ln.Addr().(*net.TCPAddr)
	require.NoError(t, dir.RegisterInstance(ctx, directory.WorkerInstance{
		Name:    "remote",
		Address: "127.0.0.1",
		Port:    addr.Port,
	}))
	require.NoError(t, dir.PutProcessRecord(ctx, directory.ProcessRecord{
		ProcessName:  "p2",
		InstanceName: "remote",
		Definition:   "sink",
		IsActive:     true,
	}))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	clk := clock.NewMock()
	w := startWorker(t, "w1", dir, WithClock(clk))
	require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))

	done := make(chan error, 1)
	go func() { done <- w.ReconcileEdge(ctx, testKey, false) }()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			clk.Add(testRetryInterval)
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, err)

	require.Equal(t, []bool{false, true, true, true}, peer.killFlags())
	require.True(t, hasKey(w.OutConnections(), testKey))
}

func TestReconcileStopsWhenUndeclared(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w := startWorker(t, "w1", dir)
	require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))

	require.NoError(t, w.ReconcileEdge(ctx, testKey, false))
	require.Empty(t, w.OutConnections())

	require.NoError(t, dir.PutConnection(ctx, testKey))
	cctx, cancel := context.WithCancelCause(ctx)
	cause := errors.New("test is over")
	time.AfterFunc(100*time.Millisecond, func() { cancel(cause) })
	require.ErrorIs(t, w.ReconcileEdge(cctx, testKey, false), cause)
}

// Producers finishing remove the declaration, nothing is retried.
func TestCompletedConnection(t *testing.T) {
	for _, tc := range []struct {
		name string
		sink string
	}{
		{name: "fused", sink: "sink"},
		{name: "streamed", sink: "stream-sink"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testCtx(t)
			dir := directory.NewMemory()
			w := startWorker(t, "w1", dir)

			require.NoError(t, w.LoadProcess(ctx, "p1", "source", ""))
			require.NoError(t, w.LoadProcess(ctx, "p2", tc.sink, ""))
			require.NoError(t, dir.PutConnection(ctx, testKey))
			require.Equal(t, wire.Success, w.Establish(ctx, testKey, false, false, false))

			out, in := outputOf(t, w, "p1"), inputOf(t, w, "p2")
			requireDelivered(t, out, in, "last words")
			require.NoError(t, out.Close())

			require.Eventually(t, func() bool {
				exists, err := dir.ConnectionExists(ctx, testKey)
				return err == nil && !exists &&
					len(w.OutConnections()) == 0 &&
					len(w.InConnections()) == 0 &&
					w.pendingRetries() == 0
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

// Concurrent establishments of one edge settle on a single live
// connection per side.
func TestConcurrentEstablish(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w1 := startWorker(t, "w1", dir)
	w2 := startWorker(t, "w2", dir)

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w2.Establish(ctx, testKey, false, false, false)
		}()
		go func() {
			defer wg.Done()
			w1.Establish(ctx, testKey, true, false, false)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(w2.OutConnections()) == 1 &&
			len(w1.InConnections()) == 1 &&
			w1.pendingRetries() == 0 && w2.pendingRetries() == 0
	}, 10*time.Second, 20*time.Millisecond)

	requireDelivered(t, outputOf(t, w2, "p1"), inputOf(t, w1, "p2"), "single winner")
}

func TestQUICConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	confs := testcert.MutualTLS(t, "w1", "w2")

	newQUIC := func(i int, name string) transport.Transport {
		tr, err := transport.NewQUIC(transport.QUICConfig{
			TlsConfig:  confs[i],
			LogHandler: testHandler(name),
		})
		require.NoError(t, err)
		return tr
	}
	w1 := startWorker(t, "w1", dir, WithTransport(newQUIC(0, "w1")))
	w2 := startWorker(t, "w2", dir, WithTransport(newQUIC(1, "w2")))

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))

	require.Equal(t, wire.Success, w2.Establish(ctx, testKey, false, false, false))
	require.Eventually(t, func() bool {
		return hasKey(w1.InConnections(), testKey)
	}, 5*time.Second, 10*time.Millisecond)

	requireDelivered(t, outputOf(t, w2, "p1"), inputOf(t, w1, "p2"), "over quic")
}

func TestRateLimitedConnection(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	w1 := startWorker(t, "w1", dir, WithStreamRateLimit(4096, 64))
	w2 := startWorker(t, "w2", dir, WithStreamRateLimit(4096, 64))

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))
	require.Equal(t, wire.Success, w2.Establish(ctx, testKey, false, false, false))

	// Larger than the burst, so it is written in chunks.
	msg := string(make([]byte, 300))
	requireDelivered(t, outputOf(t, w2, "p1"), inputOf(t, w1, "p2"), msg)
}

func TestGossipWakesRetries(t *testing.T) {
	ctx := testCtx(t)
	dir := directory.NewMemory()
	spy := &spyStore{Store: dir}
	spy.On("GetAllRecordsForInstance", mock.Anything, mock.Anything).Return(nil, nil)
	clk := clock.NewMock()

	w1 := startWorker(t, "w1", dir, WithGossip("127.0.0.1", 0))
	w2 := startWorker(t, "w2", spy, WithGossip("127.0.0.1", 0), WithClock(clk))

	require.NoError(t, w2.LoadProcess(ctx, "p1", "source", ""))
	require.NoError(t, dir.PutConnection(ctx, testKey))
	w2.scheduleReconcile(testKey, false)
	require.Eventually(t, func() bool {
		return spy.lookups.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w1.LoadProcess(ctx, "p2", "sink", ""))
	require.Never(t, func() bool {
		return len(w2.OutConnections()) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)

	addr, err := w1.GossipAddr()
	require.NoError(t, err)
	require.NoError(t, w2.JoinCluster(addr))

	// The mock clock never moves, only the join can wake the loop.
	require.Eventually(t, func() bool {
		return hasKey(w2.OutConnections(), testKey)
	}, 10*time.Second, 20*time.Millisecond)
	require.ElementsMatch(t, []string{"w1", "w2"}, w2.Members())
}

func TestJoinClusterWithoutGossip(t *testing.T) {
	w := startWorker(t, "w1", directory.NewMemory())
	require.ErrorIs(t, w.JoinCluster("127.0.0.1:7946"), ErrNoGossip)
	_, err := w.GossipAddr()
	require.ErrorIs(t, err, ErrNoGossip)
}
