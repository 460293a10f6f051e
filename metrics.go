package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricWeftConnEstCount        = []string{"weft", "connection", "established", "count"}
	MetricWeftConnLive            = []string{"weft", "connection", "live"}
	MetricWeftHandshakeErrorCount = []string{"weft", "handshake", "error", "count"}
	MetricWeftHandshakeInCount    = []string{"weft", "handshake", "in", "count"}
	MetricWeftPumpEndCount        = []string{"weft", "pump", "end", "count"}
	MetricWeftRetryAttemptCount   = []string{"weft", "retry", "attempt", "count"}
	MetricWeftProcessLoadCount    = []string{"weft", "process", "load", "count"}
	MetricWeftProcessLoadErrCount = []string{"weft", "process", "load", "error", "count"}
	MetricWeftGossipJoinCount     = []string{"weft", "gossip", "join", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelCode       TelemetryLabel = "code"
	LabelConnection TelemetryLabel = "connection"
	LabelConnID     TelemetryLabel = "connection_id"
	LabelDirection  TelemetryLabel = "direction"
	LabelMode       TelemetryLabel = "mode"
	LabelRegistry   TelemetryLabel = "registry"
	LabelOutcome    TelemetryLabel = "outcome"
	LabelProcess    TelemetryLabel = "process"
	LabelInstance   TelemetryLabel = "instance"
	LabelMessage    TelemetryLabel = "message"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelAttempt    TelemetryLabel = "attempt"
	LabelDuration   TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// labels appends extra to the static labels without aliasing them.
func (w *Worker) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(w.config.metricLabels)+len(extra))
	out = append(out, w.config.metricLabels...)
	return append(out, extra...)
}
