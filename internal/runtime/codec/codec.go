// Package codec encodes message payloads and derives their stable type tags.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// Names written to the content type header.
const (
	JSONName  = "json"
	ProtoName = "protojson"
)

// Codec turns payload values into bytes and back.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Typed is implemented by payloads that declare their own type tag. Tags must
// stay stable across deployments because handlers are resolved by them.
type Typed interface {
	MessageType() string
}

var (
	JSON  Codec = jsonCodec{}
	Proto Codec = protoCodec{}
)

// For picks the codec for v: protojson for protobuf messages, JSON otherwise.
func For(v any) Codec {
	if _, ok := v.(proto.Message); ok {
		return Proto
	}
	return JSON
}

// ByName resolves a codec from a content type header. An empty name means JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSONName:
		return JSON, nil
	case ProtoName:
		return Proto, nil
	}
	return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownCodec, name)
}

// TypeOf returns the type tag of v. Protobuf messages use their full message
// name; other payloads must implement Typed.
func TypeOf(v any) (string, error) {
	switch typed := v.(type) {
	case nil:
		return "", errspkg.ErrPayloadRequired
	case Typed:
		if tag := typed.MessageType(); tag != "" {
			return tag, nil
		}
	case proto.Message:
		return string(proto.MessageName(typed)), nil
	}
	return "", fmt.Errorf("%w: %T does not declare one", errspkg.ErrTypeTagRequired, v)
}

// Encode marshals v with the codec chosen by For and returns the payload, the
// codec name, and the type tag.
func Encode(v any) (payload []byte, codecName, typeTag string, err error) {
	typeTag, err = TypeOf(v)
	if err != nil {
		return nil, "", "", err
	}
	c := For(v)
	payload, err = c.Marshal(v)
	if err != nil {
		return nil, "", "", fmt.Errorf("encode %s: %w", typeTag, err)
	}
	return payload, c.Name(), typeTag, nil
}
