package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxStringBytes bounds the allocation a peer can trigger with one field.
const MaxStringBytes = 1 << 20

// LoadProcessFrame asks a worker to instantiate a process.
type LoadProcessFrame struct {
	Name       string
	Definition string
	Param      string
}

// ConnectFrame carries a connection key. Receiver frames additionally
// carry the kill flag.
type ConnectFrame struct {
	Type         MessageType
	FromProcess  string
	FromEndpoint string
	ToProcess    string
	ToEndpoint   string
	KillIfExists bool
}

// AppendTo encodes f, including its message type, at the end of buf.
func (f *LoadProcessFrame) AppendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(LoadProcess))
	buf = appendString(buf, f.Name)
	buf = appendString(buf, f.Definition)
	return appendString(buf, f.Param)
}

// WriteTo sends f in a single write.
func (f *LoadProcessFrame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.AppendTo(nil))
	return int64(n), err
}

// ReadLoadProcessFrame decodes the body following a [LoadProcess] tag.
func ReadLoadProcessFrame(r io.Reader) (*LoadProcessFrame, error) {
	var (
		f   LoadProcessFrame
		err error
	)
	if f.Name, err = ReadString(r); err != nil {
		return nil, err
	}
	if f.Definition, err = ReadString(r); err != nil {
		return nil, err
	}
	if f.Param, err = ReadString(r); err != nil {
		return nil, err
	}
	return &f, nil
}

// AppendTo encodes f, including its message type, at the end of buf.
func (f *ConnectFrame) AppendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(f.Type))
	buf = appendString(buf, f.FromProcess)
	buf = appendString(buf, f.FromEndpoint)
	buf = appendString(buf, f.ToProcess)
	buf = appendString(buf, f.ToEndpoint)
	if f.Type.IsReceiver() {
		var flag uint32
		if f.KillIfExists {
			flag = 1
		}
		buf = binary.BigEndian.AppendUint32(buf, flag)
	}
	return buf
}

// WriteTo sends f in a single write.
func (f *ConnectFrame) WriteTo(w io.Writer) (int64, error) {
	if !f.Type.Valid() || f.Type == LoadProcess {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMessage, f.Type)
	}
	n, err := w.Write(f.AppendTo(nil))
	return int64(n), err
}

// ReadConnectFrame decodes the body following a connect tag of type t.
func ReadConnectFrame(r io.Reader, t MessageType) (*ConnectFrame, error) {
	if !t.Valid() || t == LoadProcess {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, t)
	}

	f := ConnectFrame{Type: t}
	fields := []*string{&f.FromProcess, &f.FromEndpoint, &f.ToProcess, &f.ToEndpoint}
	for _, field := range fields {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		*field = s
	}

	if t.IsReceiver() {
		flag, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		f.KillIfExists = flag != 0
	}
	return &f, nil
}

// WriteMessageType writes the 4-byte tag alone.
func WriteMessageType(w io.Writer, t MessageType) error {
	_, err := w.Write(binary.BigEndian.AppendUint32(nil, uint32(t)))
	return err
}

// ReadMessageType reads the 4-byte tag opening every exchange.
func ReadMessageType(r io.Reader) (MessageType, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	return MessageType(int32(v)), nil
}

// WriteCode writes a 4-byte response.
func WriteCode(w io.Writer, code ErrorCode) error {
	_, err := w.Write(binary.BigEndian.AppendUint32(nil, uint32(code)))
	return err
}

// ReadCode reads a 4-byte response.
func ReadCode(r io.Reader) (ErrorCode, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	return ErrorCode(int32(v)), nil
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	length, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if length > MaxStringBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidString
	}
	return string(buf), nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
