package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type protoCodec struct{}

func (protoCodec) Name() string { return ProtoName }

func (protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protojson codec: %T is not a proto.Message", v)
	}
	return protojson.Marshal(msg)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protojson codec: %T is not a proto.Message", v)
	}
	return protojson.Unmarshal(data, msg)
}
