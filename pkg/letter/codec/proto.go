package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/billm/letterbox/pkg/types"
)

type protoCodec struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// Proto returns a codec for proto.Message values. Encoding writes directly
// into the letter buffer.
func Proto() Codec {
	return protoCodec{marshal: proto.MarshalOptions{Deterministic: true}}
}

func (protoCodec) Name() string { return "proto" }

func (c protoCodec) Encode(dst []byte, v any) (int, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return 0, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("proto codec cannot encode %T", v))
	}
	if size := c.marshal.Size(m); size > len(dst) {
		return 0, types.NewError(types.ErrCodeEnvelopeTooSmall,
			fmt.Sprintf("encoded payload of %d bytes exceeds letter capacity %d", size, len(dst)))
	}
	out, err := c.marshal.MarshalAppend(dst[:0], m)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func (c protoCodec) Decode(src []byte, v any) (int, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return 0, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("proto codec cannot decode into %T", v))
	}
	if err := c.unmarshal.Unmarshal(src, m); err != nil {
		return 0, err
	}
	return len(src), nil
}
