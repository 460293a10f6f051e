package weft

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/transport"
)

// Worker hosts processes and keeps the connections declared between
// them alive.
type Worker struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	dir       directory.Store
	tr        transport.Transport
	ln        net.Listener
	addrCache *expirable.LRU[string, string]
	instance  directory.WorkerInstance

	// gossip, only when enabled.
	ml *memberlist.Memberlist

	procs  map[string]*process.Process
	procLk sync.RWMutex

	// out holds connections draining a local output, in those feeding a
	// local input.
	out *connRegistry
	in  *connRegistry

	retries map[retryKey]bool
	nudgeCh chan struct{}
	retryLk sync.Mutex

	// ctx is the parent of every background task, cancelled with
	// ErrShutdown.
	ctx    context.Context
	cancel context.CancelCauseFunc

	lk       sync.Mutex
	started  bool
	shutdown bool
	wg       sync.WaitGroup
}

func Create(opts ...Option) (*Worker, error) {
	w := &Worker{
		config:  defaultConfig(),
		procs:   make(map[string]*process.Process),
		retries: make(map[retryKey]bool),
		nudgeCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&w.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if w.config.dir == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoDirectory)
	}
	if w.config.loader == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoLoader)
	}
	if w.config.instanceName == "" {
		return nil, fmt.Errorf("%w: an instance name is required", ErrInvalidCfg)
	}
	w.dir = w.config.dir

	// Logging implementations.
	if w.config.logHandler != nil {
		w.logger = slog.New(w.config.logHandler)
	} else {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(LabelInstance.L(w.config.instanceName))

	// Metrics implementations.
	if w.config.msink == nil {
		w.msink = metrics.Default()
	} else {
		w.msink = w.config.msink
	}

	if w.config.tr == nil {
		w.config.tr = transport.NewTCP()
	}
	w.tr = w.config.tr

	w.addrCache = expirable.NewLRU[string, string](w.config.addrCacheSize, nil, w.config.addrCacheTTL)

	w.out = newConnRegistry("out", w.reportRegistrySize)
	w.in = newConnRegistry("in", w.reportRegistrySize)

	w.ctx, w.cancel = context.WithCancelCause(context.Background())
	return w, nil
}

// Start binds the listener, registers the instance, restores the
// processes the directory places on it and then accepts handshakes.
//
// A worker whose Start failed is shut down: the processes it restored
// are unloaded and marked inactive, and it cannot be started again.
func (w *Worker) Start(ctx context.Context) error {
	w.lk.Lock()
	if w.shutdown {
		w.lk.Unlock()
		return ErrShutdown
	}
	if w.started {
		w.lk.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.lk.Unlock()

	ln, err := w.tr.Listen(w.config.listenAddr)
	if err != nil {
		return w.abortStart(fmt.Errorf("worker: failed to listen on %s: %w", w.config.listenAddr, err))
	}
	w.ln = ln

	inst, err := w.advertised(ln.Addr())
	if err != nil {
		return w.abortStart(err)
	}
	w.instance = inst

	if err := w.dir.RegisterInstance(ctx, inst); err != nil {
		return w.abortStart(fmt.Errorf("%w: %w", ErrDirectory, err))
	}
	w.logger.Info("instance registered", LabelPeerAddr.L(inst.Addr()))

	if w.config.mlCfg != nil {
		if err := w.startGossip(); err != nil {
			return w.abortStart(err)
		}
	}

	if err := w.restore(ctx); err != nil {
		w.logger.Error("restore failed", LabelError.L(err))
		return w.abortStart(err)
	}

	if !w.goTask(w.acceptLoop) {
		return ErrShutdown
	}
	return nil
}

// abortStart marks the processes loaded so far inactive, so peers stop
// dialing us, then shuts the worker down.
func (w *Worker) abortStart(cause error) error {
	w.procLk.RLock()
	names := make([]string, 0, len(w.procs))
	for name := range w.procs {
		names = append(names, name)
	}
	w.procLk.RUnlock()

	if len(names) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.handshakeTimeout)
		for _, name := range names {
			if err := w.dir.MarkProcessInactive(ctx, w.config.instanceName, name); err != nil {
				w.logger.Warn("failed to deactivate process", LabelProcess.L(name), LabelError.L(err))
			}
		}
		cancel()
	}

	_ = w.Shutdown()
	return cause
}

func (w *Worker) advertised(addr net.Addr) (directory.WorkerInstance, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return directory.WorkerInstance{}, fmt.Errorf("worker: unexpected listener address %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return directory.WorkerInstance{}, fmt.Errorf("worker: unexpected listener port %s: %w", portStr, err)
	}

	if w.config.advertiseAddr != "" {
		host = w.config.advertiseAddr
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return directory.WorkerInstance{
		Name:    w.config.instanceName,
		Address: host,
		Port:    port,
	}, nil
}

func (w *Worker) Name() string {
	return w.config.instanceName
}

// Instance returns the record registered by Start.
func (w *Worker) Instance() directory.WorkerInstance {
	return w.instance
}

// Process returns a locally hosted process.
func (w *Worker) Process(name string) (*process.Process, bool) {
	w.procLk.RLock()
	defer w.procLk.RUnlock()
	p, ok := w.procs[name]
	return p, ok
}

// Processes lists the names of locally hosted processes.
func (w *Worker) Processes() []string {
	w.procLk.RLock()
	names := make([]string, 0, len(w.procs))
	for name := range w.procs {
		names = append(names, name)
	}
	w.procLk.RUnlock()
	sort.Strings(names)
	return names
}

// OutConnections lists the live connections draining local outputs.
func (w *Worker) OutConnections() []LiveConnection {
	return w.out.snapshot()
}

// InConnections lists the live connections feeding local inputs.
func (w *Worker) InConnections() []LiveConnection {
	return w.in.snapshot()
}

func (w *Worker) registryFor(reverse bool) *connRegistry {
	if reverse {
		return w.in
	}
	return w.out
}

func (w *Worker) reportRegistrySize(role string, size int) {
	w.msink.SetGaugeWithLabels(
		MetricWeftConnLive,
		float32(size),
		w.labels(LabelRegistry.M(role)),
	)
}

func (w *Worker) Shutdown() error {
	// Phase 1: Shutdown notify.
	w.lk.Lock()
	if w.shutdown {
		w.lk.Unlock()
		return nil
	}
	w.shutdown = true
	w.lk.Unlock()

	start := time.Now()
	w.logger.Info("shutting down...")

	w.logger.Info("shutdown: stop accepting handshakes")
	if w.ln != nil {
		w.ln.Close()
	}

	w.logger.Info("shutdown: cancel connections and retries")
	w.cancel(ErrShutdown)

	if w.ml != nil {
		w.logger.Info("shutdown: leave cluster")
		if err := w.ml.Leave(w.config.handshakeTimeout); err != nil {
			w.logger.Warn("failed to leave cluster gracefully", LabelError.L(err))
		}
	}

	w.logger.Info("shutdown: wait for sub-tasks to finish")
	w.wg.Wait()

	// Phase 2: Drop all resources.
	w.logger.Info("shutdown: release processes")
	w.procLk.Lock()
	for name, p := range w.procs {
		if err := p.Close(); err != nil {
			w.logger.Warn("process did not close cleanly", LabelProcess.L(name), LabelError.L(err))
		}
		delete(w.procs, name)
	}
	w.procLk.Unlock()

	if w.ml != nil {
		w.logger.Info("shutdown: release gossip resources")
		w.ml.Shutdown()
	}

	w.logger.Info("shutdown: release transport")
	if err := w.tr.Close(); err != nil {
		w.logger.Warn("transport did not close cleanly", LabelError.L(err))
	}

	w.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// goTask runs fn in the background unless the worker is shutting down.
func (w *Worker) goTask(fn func()) bool {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.shutdown {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}
