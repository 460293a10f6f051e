package flow

// Codec turns messages into frame payloads and back.
//
// Clone is used when a message is handed to a colocated input without
// going through the wire. It may return msg itself when sharing is safe.
type Codec[T any] interface {
	Marshal(msg T) ([]byte, error)
	Unmarshal(buf []byte) (T, error)
	Clone(msg T) (T, error)
}

// BytesCodec exchanges raw []byte messages.
type BytesCodec struct {
	copyBuffers bool
}

var _ Codec[[]byte] = BytesCodec{}

// NewBytesCodec returns a codec for []byte. When localCopy is set, fused
// transfers copy every buffer so the producer may reuse it.
func NewBytesCodec(localCopy bool) BytesCodec {
	return BytesCodec{
		copyBuffers: localCopy,
	}
}

func (enc BytesCodec) Marshal(msg []byte) ([]byte, error) {
	return msg, nil
}

func (enc BytesCodec) Unmarshal(buf []byte) ([]byte, error) {
	return buf, nil
}

func (enc BytesCodec) Clone(msg []byte) ([]byte, error) {
	if !enc.copyBuffers {
		return msg, nil
	}
	cloned := make([]byte, len(msg))
	copy(cloned, msg)
	return cloned, nil
}
