package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	mprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/weft"
	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/transport"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// newApp assembles a daemon hosting every worker of cfg.
func newApp(cfg daemonConfig) *fx.App {
	return fx.New(appOptions(cfg))
}

func appOptions(cfg daemonConfig) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogHandler,
			newLogger,
			newRegistry,
			newDirectory,
			newMetrics,
			newWorkers,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Invoke(registerMetricsServer, registerWorkers),
	)
}

func newLogHandler(cfg daemonConfig) slog.Handler {
	hopts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stderr, hopts)
	}
	return slog.NewTextHandler(os.Stderr, hopts)
}

func newLogger(h slog.Handler) *slog.Logger {
	return slog.New(h)
}

func newDirectory(lc fx.Lifecycle, cfg daemonConfig, h slog.Handler) (directory.Store, error) {
	store, err := directory.OpenBadger(directory.BadgerConfig{
		Path:       cfg.Directory,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		LogHandler: h,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

type metricsOut struct {
	fx.Out

	Sink     metrics.MetricSink
	Gatherer prometheus.Gatherer
}

// newMetrics backs the go-metrics sink with a dedicated prometheus
// registry, so several apps may live in the same process.
func newMetrics(cfg daemonConfig) (metricsOut, error) {
	if cfg.MetricsAddr == "" {
		return metricsOut{
			Sink:     &metrics.BlackholeSink{},
			Gatherer: prometheus.NewRegistry(),
		}, nil
	}

	reg := prometheus.NewRegistry()
	sink, err := mprom.NewPrometheusSinkFrom(mprom.PrometheusOpts{
		Expiration: 10 * time.Minute,
		Registerer: reg,
	})
	if err != nil {
		return metricsOut{}, fmt.Errorf("metrics: %w", err)
	}
	return metricsOut{Sink: sink, Gatherer: reg}, nil
}

type workersIn struct {
	fx.In

	Config    daemonConfig
	Handler   slog.Handler
	Registry  *process.Registry
	Directory directory.Store
	Sink      metrics.MetricSink
}

// workerSet is every worker hosted by this daemon, keyed by instance name.
type workerSet map[string]*weft.Worker

func newWorkers(in workersIn) (workerSet, error) {
	set := make(workerSet, len(in.Config.Workers))
	for _, wc := range in.Config.Workers {
		tr, err := newTransport(in.Config, in.Handler, in.Sink)
		if err != nil {
			return nil, err
		}

		opts := append(commonOptions(in.Config, in.Handler, in.Directory, tr),
			weft.WithInstanceName(wc.Name),
			weft.WithLoader(in.Registry),
			weft.WithMetricSink(in.Sink),
			weft.WithRetryInterval(in.Config.RetryInterval),
		)
		if wc.Listen != "" {
			opts = append(opts, weft.WithListenOn(wc.Listen))
		}
		if wc.Advertise != "" {
			opts = append(opts, weft.WithAdvertiseAddr(wc.Advertise))
		}
		if in.Config.StreamRate > 0 {
			opts = append(opts, weft.WithStreamRateLimit(in.Config.StreamRate, in.Config.StreamBurst))
		}
		if wc.GossipPort != 0 || wc.GossipBind != "" {
			bind := wc.GossipBind
			if bind == "" {
				bind = "0.0.0.0"
			}
			opts = append(opts,
				weft.WithGossip(bind, wc.GossipPort),
				weft.WithNeighbours(wc.Neighbours),
			)
		}

		w, err := weft.Create(opts...)
		if err != nil {
			_ = tr.Close()
			_ = set.shutdown()
			return nil, fmt.Errorf("worker %s: %w", wc.Name, err)
		}
		set[wc.Name] = w
	}
	return set, nil
}

func (set workerSet) shutdown() error {
	var errs []error
	for name, w := range set {
		if err := w.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func commonOptions(cfg daemonConfig, h slog.Handler, dir directory.Store, tr transport.Transport) []weft.Option {
	return []weft.Option{
		weft.WithDirectory(dir),
		weft.WithTransport(tr),
		weft.WithLog(h),
		weft.WithDialTimeout(cfg.DialTimeout),
		weft.WithHandshakeTimeout(cfg.HandshakeTimeout),
	}
}

func newTransport(cfg daemonConfig, h slog.Handler, sink metrics.MetricSink) (transport.Transport, error) {
	if cfg.Transport != "quic" {
		return transport.NewTCP(), nil
	}
	tlsConf, err := loadTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return transport.NewQUIC(transport.QUICConfig{
		TlsConfig:  tlsConf,
		MetricSink: sink,
		LogHandler: h,
	})
}

// loadTLS builds a mutual TLS configuration out of PEM files.
func loadTLS(c tlsConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(c.CA)
	if err != nil {
		return nil, fmt.Errorf("tls: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("tls: no certificate found in ca file")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

type workersLifecycle struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    daemonConfig
	Logger    *slog.Logger
	Handler   slog.Handler
	Directory directory.Store
	Sink      metrics.MetricSink
	Workers   workerSet
}

func registerWorkers(in workersLifecycle) {
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, wc := range in.Config.Workers {
				w := in.Workers[wc.Name]
				if err := w.Start(ctx); err != nil {
					_ = in.Workers.shutdown()
					return fmt.Errorf("worker %s: %w", wc.Name, err)
				}
				in.Logger.Info("worker started",
					"instance", wc.Name,
					"addr", w.Instance().Addr(),
					"processes", w.Processes(),
				)
			}
			if err := applyDeclarations(ctx, in); err != nil {
				_ = in.Workers.shutdown()
				return err
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return in.Workers.shutdown()
		},
	})
}

// applyDeclarations loads the processes and connections listed in the
// configuration which the directory does not know yet. Anything already
// declared was restored by the workers themselves.
func applyDeclarations(ctx context.Context, in workersLifecycle) error {
	if len(in.Config.Processes) == 0 && len(in.Config.Connections) == 0 {
		return nil
	}

	tr, err := newTransport(in.Config, in.Handler, in.Sink)
	if err != nil {
		return err
	}
	client, err := weft.NewClient(commonOptions(in.Config, in.Handler, in.Directory, tr)...)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer client.Close()

	for _, pc := range in.Config.Processes {
		if _, loaded := in.Workers[pc.Instance].Process(pc.Name); loaded {
			continue
		}
		if err := client.LoadProcess(ctx, pc.Instance, pc.Name, pc.Definition, pc.Param); err != nil {
			return fmt.Errorf("process %s: %w", pc.Name, err)
		}
		in.Logger.Info("process loaded", "process", pc.Name, "instance", pc.Instance)
	}

	for _, cc := range in.Config.Connections {
		key, err := cc.key()
		if err != nil {
			return err
		}
		exists, err := in.Directory.ConnectionExists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := client.Connect(ctx, key, cc.Reverse); err != nil {
			// The declaration is kept and the workers retry on their own.
			in.Logger.Warn("connection not established yet",
				"connection", key.String(),
				"error", err,
			)
			continue
		}
		in.Logger.Info("connection established", "connection", key.String())
	}
	return nil
}

type metricsServerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    daemonConfig
	Logger    *slog.Logger
	Gatherer  prometheus.Gatherer
}

func registerMetricsServer(in metricsServerIn) {
	if in.Config.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(in.Gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              in.Config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger := in.Logger.With("component", "metrics")

	in.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("metrics: listen: %w", err)
			}
			logger.Info("serving metrics", "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
