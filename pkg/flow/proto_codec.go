package flow

import (
	"google.golang.org/protobuf/proto"
)

// ProtoCodec exchanges protobuf messages.
type ProtoCodec[Msg proto.Message] struct {
	copyMessages bool
}

func NewProtoCodec[Msg proto.Message](localCopy bool) ProtoCodec[Msg] {
	return ProtoCodec[Msg]{copyMessages: localCopy}
}

func (enc ProtoCodec[Msg]) Marshal(msg Msg) ([]byte, error) {
	return proto.Marshal(msg)
}

func (enc ProtoCodec[Msg]) Unmarshal(buf []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := proto.Unmarshal(buf, allocated)
	return allocated, err
}

func (enc ProtoCodec[Msg]) Clone(msg Msg) (Msg, error) {
	if !enc.copyMessages {
		return msg, nil
	}
	return proto.Clone(msg).(Msg), nil
}
