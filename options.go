package weft

import (
	"context"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/process"
	"github.com/raskyld/weft/pkg/transport"
	"golang.org/x/time/rate"
)

// ProcessLoader builds a live process from its persisted definition.
// [process.Registry] is the usual implementation.
type ProcessLoader interface {
	Load(ctx context.Context, name, definition, param string) (*process.Process, error)
}

var _ ProcessLoader = (*process.Registry)(nil)

type config struct {
	instanceName  string
	listenAddr    string
	advertiseAddr string

	dir    directory.Store
	loader ProcessLoader
	tr     transport.Transport

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	clock            clock.Clock
	retryInterval    time.Duration
	dialTimeout      time.Duration
	handshakeTimeout time.Duration

	streamRate  rate.Limit
	streamBurst int

	addrCacheSize int
	addrCacheTTL  time.Duration

	mlCfg      *memberlist.Config
	neighbours []string
}

func defaultConfig() config {
	return config{
		listenAddr:       "0.0.0.0:0",
		clock:            clock.New(),
		retryInterval:    5 * time.Second,
		dialTimeout:      10 * time.Second,
		handshakeTimeout: 10 * time.Second,
		streamRate:       rate.Inf,
		addrCacheSize:    256,
		addrCacheTTL:     30 * time.Second,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithInstanceName sets the name under which the worker registers in the
// directory. It MUST be unique in the cluster and stable across restarts
// for recovery to find the processes it used to host.
func WithInstanceName(name string) Option {
	return func(c *config) error {
		if err := process.ValidateName(name); err != nil {
			return err
		}
		c.instanceName = name
		if c.mlCfg != nil {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithListenOn specifies the address the worker accepts handshakes on.
// A zero port picks a free one.
func WithListenOn(addr string) Option {
	return func(c *config) error {
		c.listenAddr = addr
		return nil
	}
}

// WithAdvertiseAddr specifies the host peers must dial to reach us when
// it differs from the listening one.
func WithAdvertiseAddr(host string) Option {
	return func(c *config) error {
		c.advertiseAddr = host
		return nil
	}
}

// WithDirectory sets the store holding instances, processes and
// connections. It is required.
func WithDirectory(dir directory.Store) Option {
	return func(c *config) error {
		if dir == nil {
			return ErrNoDirectory
		}
		c.dir = dir
		return nil
	}
}

// WithLoader sets how process definitions are turned into processes.
func WithLoader(loader ProcessLoader) Option {
	return func(c *config) error {
		if loader == nil {
			return ErrNoLoader
		}
		c.loader = loader
		return nil
	}
}

// WithTransport replaces the default TCP transport, e.g. with
// [transport.NewQUIC] for mTLS-secured peers.
func WithTransport(tr transport.Transport) Option {
	return func(c *config) error {
		c.tr = tr
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the worker.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the worker.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		if c.mlCfg != nil {
			c.mlCfg.MetricLabels = legacyLabels(labels)
		}
		return nil
	}
}

// WithRetryInterval controls how long a failed connection waits before
// the next establishment attempt.
func WithRetryInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = 5 * time.Second
		}
		c.retryInterval = interval
		return nil
	}
}

// WithClock replaces the wall clock driving retries.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk != nil {
			c.clock = clk
		}
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote worker to accept a connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithHandshakeTimeout bounds the exchange of a handshake frame and its
// response.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithStreamRateLimit caps the bytes per second each streamed connection
// may move. A non-positive limit disables it.
func WithStreamRateLimit(bytesPerSec int, burst int) Option {
	return func(c *config) error {
		if bytesPerSec <= 0 {
			c.streamRate = rate.Inf
			c.streamBurst = 0
			return nil
		}
		if burst <= 0 {
			burst = bytesPerSec
		}
		c.streamRate = rate.Limit(bytesPerSec)
		c.streamBurst = burst
		return nil
	}
}

// WithAddrCacheTTL controls how long a resolved instance address is
// trusted before the directory is asked again.
func WithAddrCacheTTL(ttl time.Duration, size int) Option {
	return func(c *config) error {
		if size <= 0 {
			size = 256
		}
		c.addrCacheSize = size
		c.addrCacheTTL = ttl
		return nil
	}
}

// WithGossip makes the worker join a memberlist cluster on addr:port.
// Peers joining the cluster wake up pending connection retries.
func WithGossip(addr string, port int) Option {
	return func(c *config) error {
		mlCfg := memberlist.DefaultLANConfig()
		mlCfg.BindAddr = addr
		mlCfg.BindPort = port
		if port == 0 {
			mlCfg.AdvertisePort = 0
		}
		if c.instanceName != "" {
			mlCfg.Name = c.instanceName
		}
		mlCfg.MetricLabels = legacyLabels(c.metricLabels)
		c.mlCfg = mlCfg
		return nil
	}
}

// WithNeighbours controls which gossip peers are tried initially to join
// the cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// TODO(raskyld): drop once memberlist moves to hashicorp/go-metrics.
func legacyLabels(labels []metrics.Label) []leg_metrics.Label {
	out := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		out[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return out
}
