package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/process"
)

type workerConfig struct {
	Name       string   `toml:"name"`
	Listen     string   `toml:"listen"`
	Advertise  string   `toml:"advertise"`
	GossipBind string   `toml:"gossip_bind"`
	GossipPort int      `toml:"gossip_port"`
	Neighbours []string `toml:"neighbours"`
}

type processConfig struct {
	Name       string `toml:"name"`
	Instance   string `toml:"instance"`
	Definition string `toml:"definition"`
	Param      string `toml:"param"`
}

type connectionConfig struct {
	From    string `toml:"from"`
	To      string `toml:"to"`
	Reverse bool   `toml:"reverse"`
}

type tlsConfig struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
	CA   string `toml:"ca"`
}

// daemonConfig is what weftd runs with once the file is merged over the
// defaults.
type daemonConfig struct {
	Directory        string
	InMemory         bool
	SyncWrites       bool
	MetricsAddr      string
	LogLevel         slog.Level
	LogFormat        string
	Transport        string
	TLS              tlsConfig
	RetryInterval    time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	StreamRate       int
	StreamBurst      int

	Workers     []workerConfig
	Processes   []processConfig
	Connections []connectionConfig
}

type fileConfig struct {
	Directory        string `toml:"directory"`
	InMemory         bool   `toml:"in_memory"`
	SyncWrites       bool   `toml:"sync_writes"`
	MetricsAddr      string `toml:"metrics_addr"`
	LogLevel         string `toml:"log_level"`
	LogFormat        string `toml:"log_format"`
	Transport        string `toml:"transport"`
	RetryInterval    string `toml:"retry_interval"`
	DialTimeout      string `toml:"dial_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	StreamRate       int    `toml:"stream_rate"`
	StreamBurst      int    `toml:"stream_burst"`

	TLS         tlsConfig          `toml:"tls"`
	Workers     []workerConfig     `toml:"worker"`
	Processes   []processConfig    `toml:"process"`
	Connections []connectionConfig `toml:"connection"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		Directory:        "weft-data",
		MetricsAddr:      "127.0.0.1:9102",
		LogLevel:         slog.LevelInfo,
		LogFormat:        "text",
		Transport:        "tcp",
		RetryInterval:    5 * time.Second,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("directory") {
		cfg.Directory = raw.Directory
	}
	if meta.IsDefined("in_memory") {
		cfg.InMemory = raw.InMemory
	}
	if meta.IsDefined("sync_writes") {
		cfg.SyncWrites = raw.SyncWrites
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw.LogLevel)); err != nil {
			return cfg, fmt.Errorf("config: log_level: %w", err)
		}
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = raw.LogFormat
	}
	if meta.IsDefined("transport") {
		cfg.Transport = raw.Transport
	}
	if meta.IsDefined("tls") {
		cfg.TLS = raw.TLS
	}
	if meta.IsDefined("stream_rate") {
		cfg.StreamRate = raw.StreamRate
	}
	if meta.IsDefined("stream_burst") {
		cfg.StreamBurst = raw.StreamBurst
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"retry_interval", raw.RetryInterval, &cfg.RetryInterval},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	cfg.Workers = raw.Workers
	cfg.Processes = raw.Processes
	cfg.Connections = raw.Connections

	return cfg, cfg.validate()
}

func (cfg daemonConfig) validate() error {
	var errs []error

	switch cfg.Transport {
	case "tcp":
	case "quic":
		if cfg.TLS.Cert == "" || cfg.TLS.Key == "" || cfg.TLS.CA == "" {
			errs = append(errs, errors.New("quic transport needs tls.cert, tls.key and tls.ca"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", cfg.Transport))
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", cfg.LogFormat))
	}

	if cfg.Directory == "" && !cfg.InMemory {
		errs = append(errs, errors.New("directory is required unless in_memory is set"))
	}

	if len(cfg.Workers) == 0 {
		errs = append(errs, errors.New("at least one [[worker]] is required"))
	}
	names := make(map[string]bool)
	for _, w := range cfg.Workers {
		if err := process.ValidateName(w.Name); err != nil {
			errs = append(errs, fmt.Errorf("worker %q: %w", w.Name, err))
		}
		if names[w.Name] {
			errs = append(errs, fmt.Errorf("worker %q declared twice", w.Name))
		}
		names[w.Name] = true
	}

	for _, p := range cfg.Processes {
		if err := process.ValidateName(p.Name); err != nil {
			errs = append(errs, fmt.Errorf("process %q: %w", p.Name, err))
		}
		if !names[p.Instance] {
			errs = append(errs, fmt.Errorf("process %q: unknown instance %q", p.Name, p.Instance))
		}
	}

	for _, c := range cfg.Connections {
		if _, err := c.key(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// key parses the "process:endpoint" pair of a declared connection.
func (c connectionConfig) key() (directory.ConnectionKey, error) {
	fromProc, fromEp, ok1 := strings.Cut(c.From, ":")
	toProc, toEp, ok2 := strings.Cut(c.To, ":")
	if !ok1 || !ok2 {
		return directory.ConnectionKey{}, fmt.Errorf("connection %s -> %s: expected process:endpoint", c.From, c.To)
	}
	key := directory.ConnectionKey{
		FromProcess:  fromProc,
		FromEndpoint: fromEp,
		ToProcess:    toProc,
		ToEndpoint:   toEp,
	}
	for _, n := range []string{fromProc, fromEp, toProc, toEp} {
		if err := process.ValidateName(n); err != nil {
			return key, fmt.Errorf("connection %s: %w", key, err)
		}
	}
	return key, nil
}
