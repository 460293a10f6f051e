package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/weft/pkg/directory"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func testConfig() daemonConfig {
	cfg := defaultConfig()
	cfg.InMemory = true
	cfg.MetricsAddr = ""
	cfg.LogLevel = slog.LevelDebug
	cfg.RetryInterval = 50 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Workers = []workerConfig{
		{Name: "w1", Listen: "127.0.0.1:0"},
		{Name: "w2", Listen: "127.0.0.1:0"},
	}
	cfg.Processes = []processConfig{
		{Name: "clock", Instance: "w1", Definition: "ticker", Param: "10ms"},
		{Name: "hop", Instance: "w2", Definition: "relay"},
		{Name: "log", Instance: "w1", Definition: "printer"},
	}
	cfg.Connections = []connectionConfig{
		{From: "clock:out", To: "hop:in"},
		{From: "hop:out", To: "log:in", Reverse: true},
	}
	return cfg
}

func TestAppAppliesDeclarations(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.validate())

	var (
		workers workerSet
		dir     directory.Store
	)
	app := fxtest.New(t, appOptions(cfg), fx.Populate(&workers, &dir))
	app.RequireStart()
	defer app.RequireStop()

	require.Len(t, workers, 2)
	require.Equal(t, []string{"clock", "log"}, workers["w1"].Processes())
	require.Equal(t, []string{"hop"}, workers["w2"].Processes())

	ctx := context.Background()
	for _, cc := range cfg.Connections {
		key, err := cc.key()
		require.NoError(t, err)
		exists, err := dir.ConnectionExists(ctx, key)
		require.NoError(t, err)
		require.True(t, exists, key.String())
	}

	require.Eventually(t, func() bool {
		return len(workers["w1"].OutConnections()) == 1 &&
			len(workers["w1"].InConnections()) == 1 &&
			len(workers["w2"].OutConnections()) == 1 &&
			len(workers["w2"].InConnections()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAppFailsOnUnknownDefinition(t *testing.T) {
	cfg := testConfig()
	cfg.Processes = []processConfig{
		{Name: "clock", Instance: "w1", Definition: "sundial"},
	}
	cfg.Connections = nil

	app := fx.New(appOptions(cfg))
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, app.Start(ctx))
}

func TestPrometheusSink(t *testing.T) {
	out, err := newMetrics(daemonConfig{MetricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	out.Sink.IncrCounterWithLabels(
		[]string{"weft", "conn", "est"}, 1,
		[]metrics.Label{{Name: "mode", Value: "fused"}},
	)

	require.Eventually(t, func() bool {
		families, err := out.Gatherer.Gather()
		if err != nil {
			return false
		}
		for _, mf := range families {
			if strings.HasPrefix(mf.GetName(), "weft_conn_est") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsDisabled(t *testing.T) {
	out, err := newMetrics(daemonConfig{})
	require.NoError(t, err)
	require.IsType(t, &metrics.BlackholeSink{}, out.Sink)
	require.NotNil(t, out.Gatherer)
}
