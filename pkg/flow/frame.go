package flow

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameBytes bounds a single decoded message.
const MaxFrameBytes = 64 << 20

const (
	frameData byte = 0x01
	frameEnd  byte = 0x02
)

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrTooLargeFrame = errors.New("flow: frame too large")
	ErrInvalidFrame  = errors.New("flow: invalid frame")
	ErrNotFusable    = errors.New("flow: input cannot be fused with this output")

	// errEndOfStream is returned by readFrame when the producer
	// signalled it has nothing more to send.
	errEndOfStream = errors.New("flow: end of stream")
)

// writeFrame prefixes payload with its kind and varint length and sends
// everything in one write.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	buf = append(buf, frameData)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func writeEnd(w io.Writer) error {
	_, err := w.Write([]byte{frameEnd})
	return err
}

// readFrame reads one frame. Any EOF, even between frames, is reported
// as io.ErrUnexpectedEOF since a well-behaved producer always ends with
// an end frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}

	switch kind {
	case frameEnd:
		return nil, errEndOfStream
	case frameData:
	default:
		return nil, fmt.Errorf("%w: kind 0x%x", ErrInvalidFrame, kind)
	}

	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for len(prefix) < binary.MaxVarintLen64 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if size > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
