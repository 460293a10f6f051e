package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/process"
)

const endpointBuffer = 64

// Tick is the message exchanged by the bundled definitions.
type Tick struct {
	Source string    `json:"source"`
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Hops   int       `json:"hops"`
}

func tickCodec() flow.JSONCodec[Tick] {
	return flow.NewJSONCodec[Tick](false)
}

// newRegistry returns the definitions weftd knows how to load.
//
//	ticker   emits a Tick on "out" every param (default 1s)
//	printer  logs every Tick received on "in"
//	relay    forwards ticks from "in" to "out", counting hops
func newRegistry(logger *slog.Logger) (*process.Registry, error) {
	reg := process.NewRegistry()
	defs := map[string]process.Factory{
		"ticker":  tickerFactory,
		"printer": printerFactory(logger),
		"relay":   relayFactory,
	}
	for name, f := range defs {
		if err := reg.Register(name, f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func tickerFactory(_ context.Context, p *process.Process, param string) error {
	interval := time.Second
	if param != "" {
		d, err := time.ParseDuration(param)
		if err != nil {
			return fmt.Errorf("ticker: bad interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("ticker: interval must be positive, got %s", d)
		}
		interval = d
	}

	out := flow.NewOutput[Tick](tickCodec(), endpointBuffer)
	if err := p.AddOutput("out", out); err != nil {
		return err
	}
	p.OnClose(out.Close)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-p.Context().Done():
				return
			case now := <-ticker.C:
				seq++
				if err := out.Send(p.Context(), Tick{Source: p.Name(), Seq: seq, At: now}); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func printerFactory(logger *slog.Logger) process.Factory {
	return func(_ context.Context, p *process.Process, _ string) error {
		in := flow.NewInput[Tick](tickCodec(), endpointBuffer)
		if err := p.AddInput("in", in); err != nil {
			return err
		}
		p.OnClose(in.Close)

		log := logger.With("process", p.Name())
		go func() {
			for {
				tick, err := in.Recv(p.Context())
				if err != nil {
					return
				}
				log.Info("tick",
					"source", tick.Source,
					"seq", tick.Seq,
					"hops", tick.Hops,
					"latency", time.Since(tick.At),
				)
			}
		}()
		return nil
	}
}

func relayFactory(_ context.Context, p *process.Process, _ string) error {
	in := flow.NewInput[Tick](tickCodec(), endpointBuffer)
	out := flow.NewOutput[Tick](tickCodec(), endpointBuffer)
	if err := p.AddInput("in", in); err != nil {
		return err
	}
	if err := p.AddOutput("out", out); err != nil {
		return err
	}
	p.OnClose(in.Close)
	p.OnClose(out.Close)

	go func() {
		for {
			tick, err := in.Recv(p.Context())
			if err != nil {
				return
			}
			tick.Hops++
			if err := out.Send(p.Context(), tick); err != nil {
				return
			}
		}
	}()
	return nil
}
