package flow

import (
	"encoding/json"
)

// Clonable messages know how to deep copy themselves.
type Clonable[T any] interface {
	Clone() T
}

// JSONCodec exchanges T encoded as JSON.
type JSONCodec[T any] struct {
	copyValues bool
}

func NewJSONCodec[T any](localCopy bool) JSONCodec[T] {
	return JSONCodec[T]{copyValues: localCopy}
}

func (enc JSONCodec[T]) Marshal(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

func (enc JSONCodec[T]) Unmarshal(buf []byte) (T, error) {
	var result T
	err := json.Unmarshal(buf, &result)
	return result, err
}

// Clone prefers the message's own Clone method and falls back to a JSON
// round trip.
func (enc JSONCodec[T]) Clone(msg T) (T, error) {
	if !enc.copyValues {
		return msg, nil
	}
	if clonable, ok := any(msg).(Clonable[T]); ok {
		return clonable.Clone(), nil
	}
	buf, err := enc.Marshal(msg)
	if err != nil {
		var zero T
		return zero, err
	}
	return enc.Unmarshal(buf)
}
