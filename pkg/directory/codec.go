package directory

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored as hand-rolled protobuf messages so that a future
// .proto definition can read them without a migration.

func encodeInstance(inst WorkerInstance) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, inst.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, inst.Address)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(inst.Port))
	return b
}

func decodeInstance(b []byte) (inst WorkerInstance, err error) {
	err = walkFields(b, func(num protowire.Number, str string, v uint64) {
		switch num {
		case 1:
			inst.Name = str
		case 2:
			inst.Address = str
		case 3:
			inst.Port = int(v)
		}
	})
	return
}

func encodeProcess(rec ProcessRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, rec.ProcessName)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, rec.InstanceName)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, rec.Definition)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, rec.Parameter)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(rec.IsActive))
	return b
}

func decodeProcess(b []byte) (rec ProcessRecord, err error) {
	err = walkFields(b, func(num protowire.Number, str string, v uint64) {
		switch num {
		case 1:
			rec.ProcessName = str
		case 2:
			rec.InstanceName = str
		case 3:
			rec.Definition = str
		case 4:
			rec.Parameter = str
		case 5:
			rec.IsActive = protowire.DecodeBool(v)
		}
	})
	return
}

func encodeConnection(key ConnectionKey) []byte {
	var b []byte
	for i, s := range []string{key.FromProcess, key.FromEndpoint, key.ToProcess, key.ToEndpoint} {
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func decodeConnection(b []byte) (key ConnectionKey, err error) {
	err = walkFields(b, func(num protowire.Number, str string, _ uint64) {
		switch num {
		case 1:
			key.FromProcess = str
		case 2:
			key.FromEndpoint = str
		case 3:
			key.ToProcess = str
		case 4:
			key.ToEndpoint = str
		}
	})
	return
}

// walkFields calls fn for every bytes or varint field of b. Unknown wire
// types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, str string, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			fn(num, v, 0)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			fn(num, "", v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
