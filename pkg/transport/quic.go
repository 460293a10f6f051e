package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// ALPN protocol negotiated by weft peers.
const ALPN = "weft"

var (
	MetricStreamEstInCount       = []string{"weft", "transport", "stream", "in", "count"}
	MetricStreamEstOutCount      = []string{"weft", "transport", "stream", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"weft", "transport", "stream", "out", "error", "count"}
	MetricConnEstCount           = []string{"weft", "transport", "connection", "established", "count"}
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// QUICConfig configures the QUIC transport.
type QUICConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// HintMaxStreams gives an indication of how many concurrent exchanges
	// a single peer may open with us.
	HintMaxStreams int64

	// KeepAlivePeriod keeps idle peer connections open.
	KeepAlivePeriod time.Duration

	// MaxIdleTimeout closes peer connections silent for that long.
	MaxIdleTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// QUIC multiplexes every exchange with a peer as a stream of a single
// QUIC connection.
type QUIC struct {
	cfg    QUICConfig
	qcfg   *quic.Config
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	tr    *quic.Transport
	udpLn *net.UDPConn

	peers map[string]quic.Connection
	lk    sync.Mutex
	wg    sync.WaitGroup
}

var _ Transport = (*QUIC)(nil)

func NewQUIC(cfg QUICConfig) (*QUIC, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsConf := cfg.TlsConfig.Clone()
	tlsConf.NextProtos = []string{ALPN}
	cfg.TlsConfig = tlsConf

	t := &QUIC{
		cfg:   cfg,
		peers: make(map[string]quic.Connection),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With("component", "quic")

	if cfg.MetricSink == nil {
		t.msink = &metrics.BlackholeSink{}
	} else {
		t.msink = cfg.MetricSink
	}

	hint := cfg.HintMaxStreams
	if hint == 0 {
		hint = 10000
	}
	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}
	keepAlive := cfg.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = idle / 3
	}

	t.qcfg = &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:          false,
		MaxIncomingStreams: hint,
		MaxIdleTimeout:     idle,
		KeepAlivePeriod:    keepAlive,
	}
	return t, nil
}

// Listen binds the UDP socket shared by inbound and outbound QUIC
// connections. It can only be called once.
func (t *QUIC) Listen(addr string) (net.Listener, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}

	tr := &quic.Transport{Conn: udpLn}
	ln, err := tr.Listen(t.cfg.TlsConfig, t.qcfg)
	if err != nil {
		tr.Close()
		udpLn.Close()
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	t.lk.Lock()
	t.tr = tr
	t.udpLn = udpLn
	t.lk.Unlock()

	sl := &streamListener{
		ln:      ln,
		streams: make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptCx(sl)
	return sl, nil
}

func (t *QUIC) Dial(ctx context.Context, addr string) (net.Conn, error) {
	cx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, metrics.Label{Name: "error", Value: "no_conn_to_host"}),
		)
		return nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, metrics.Label{Name: "error", Value: "cannot_open_stream"}),
		)
		return nil, err
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		append(t.cfg.MetricLabels, metrics.Label{Name: "peer_addr", Value: addr}),
	)
	return newStreamConn(cx, stream), nil
}

func (t *QUIC) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	t.lk.Lock()
	for addr, cx := range t.peers {
		QErrShutdown.Close(cx, "we are shutting down! bye!")
		delete(t.peers, addr)
	}
	tr, udpLn := t.tr, t.udpLn
	t.lk.Unlock()

	if tr != nil {
		tr.Close()
	}
	if udpLn != nil {
		udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *QUIC) getActiveCx(ctx context.Context, addr string) (quic.Connection, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	t.lk.Lock()
	cx, ok := t.peers[addr]
	tr := t.tr
	t.lk.Unlock()
	if ok && cx.Context().Err() == nil {
		return cx, nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	tlsConf := t.cfg.TlsConfig.Clone()
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = host
	}

	if tr != nil {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		cx, err = tr.Dial(ctx, udpAddr, tlsConf, t.qcfg)
	} else {
		cx, err = quic.DialAddr(ctx, addr, tlsConf, t.qcfg)
	}
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "shutting down")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	t.lk.Lock()
	if existing, ok := t.peers[addr]; ok && existing.Context().Err() == nil {
		// Lost a concurrent dial, keep the first connection.
		t.lk.Unlock()
		cx.CloseWithError(0, "duplicate")
		return existing, nil
	}
	t.peers[addr] = cx
	t.lk.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(t.cfg.MetricLabels, metrics.Label{Name: "peer_addr", Value: addr}),
	)
	return cx, nil
}

func (t *QUIC) acceptCx(sl *streamListener) {
	defer t.wg.Done()
	for {
		cx, err := sl.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() && !sl.isClosed() {
				// NB(raskyld): quic-go only fails Accept once the listener
				// is closed.
				t.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			sl.closeOnce()
			return
		}
		t.msink.IncrCounterWithLabels(
			MetricConnEstCount,
			1.0,
			append(t.cfg.MetricLabels, metrics.Label{Name: "peer_addr", Value: cx.RemoteAddr().String()}),
		)
		t.wg.Add(1)
		go t.handleStreams(sl, cx)
	}
}

func (t *QUIC) handleStreams(sl *streamListener, cx quic.Connection) {
	defer t.wg.Done()
	logger := t.logger.With("remote", cx.RemoteAddr())
	ctx := cx.Context()

	for {
		stream, err := cx.AcceptStream(ctx)
		if err != nil {
			if !t.gracefulTerm.Load() && !errors.Is(ctx.Err(), context.Canceled) {
				logger.Debug("peer connection ended", "error", err)
			}
			return
		}

		t.msink.IncrCounterWithLabels(
			MetricStreamEstInCount,
			1.0,
			append(t.cfg.MetricLabels, metrics.Label{Name: "peer_addr", Value: cx.RemoteAddr().String()}),
		)

		select {
		case sl.streams <- newStreamConn(cx, stream):
		case <-sl.closeCh:
			stream.CancelRead(QErrStreamClosed)
			stream.CancelWrite(quic.StreamErrorCode(QErrShutdown.Code))
			return
		}
	}
}

// streamListener exposes accepted QUIC streams as a net.Listener.
type streamListener struct {
	ln      *quic.Listener
	streams chan net.Conn
	closeCh chan struct{}
	once    sync.Once
}

func (sl *streamListener) Accept() (net.Conn, error) {
	select {
	case conn := <-sl.streams:
		return conn, nil
	case <-sl.closeCh:
		return nil, net.ErrClosed
	}
}

func (sl *streamListener) Close() error {
	sl.closeOnce()
	return sl.ln.Close()
}

func (sl *streamListener) Addr() net.Addr {
	return sl.ln.Addr()
}

func (sl *streamListener) closeOnce() {
	sl.once.Do(func() { close(sl.closeCh) })
}

func (sl *streamListener) isClosed() bool {
	select {
	case <-sl.closeCh:
		return true
	default:
		return false
	}
}
