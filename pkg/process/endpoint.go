package process

import (
	"context"
	"io"
)

// Capability is the static set of transfers an endpoint supports.
type Capability uint8

const (
	// CapStream means the endpoint can move data over a byte stream.
	CapStream Capability = 1 << iota
	// CapFuse means the endpoint can be linked directly to a colocated
	// partner, bypassing any encoding.
	CapFuse
	// CapAsync marks an endpoint driven by a background producer or
	// consumer. Fusion requires both sides to agree on it.
	CapAsync
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	s := ""
	if c.Has(CapStream) {
		s += "stream|"
	}
	if c.Has(CapFuse) {
		s += "fuse|"
	}
	if c.Has(CapAsync) {
		s += "async|"
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}

// Endpoint is a named port of a process.
type Endpoint interface {
	Capabilities() Capability
}

// OutputEndpoint produces data.
//
// ToStream writes until the endpoint has nothing left to send, in which
// case it returns nil, or until ctx is done or w fails.
type OutputEndpoint interface {
	Endpoint
	ToStream(ctx context.Context, w io.Writer, toProcess, toEndpoint string) error
}

// InputEndpoint consumes data.
//
// FromStream returns nil once the producer signalled a clean end of
// stream. An abrupt end must surface as an error.
type InputEndpoint interface {
	Endpoint
	FromStream(ctx context.Context, r io.Reader, fromProcess, fromEndpoint string) error
}

// FusableOutput can hand data directly to a colocated input.
type FusableOutput interface {
	OutputEndpoint
	// CanFuseWith must be pure.
	CanFuseWith(in InputEndpoint, toProcess, toEndpoint string) bool
	ToInput(ctx context.Context, in InputEndpoint, toProcess, toEndpoint string) error
}

// CanFuse reports whether out and in may be linked by a fused transfer.
func CanFuse(out OutputEndpoint, in InputEndpoint, toProcess, toEndpoint string) (FusableOutput, bool) {
	oc, ic := out.Capabilities(), in.Capabilities()
	if !oc.Has(CapFuse) || !ic.Has(CapFuse) {
		return nil, false
	}
	if oc.Has(CapAsync) != ic.Has(CapAsync) {
		return nil, false
	}
	fo, ok := out.(FusableOutput)
	if !ok {
		return nil, false
	}
	if !fo.CanFuseWith(in, toProcess, toEndpoint) {
		return nil, false
	}
	return fo, true
}
