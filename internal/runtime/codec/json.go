package codec

import "github.com/bytedance/sonic"

var defaultConfig = sonic.ConfigStd

type jsonCodec struct{}

func (jsonCodec) Name() string { return JSONName }

func (jsonCodec) Marshal(v any) ([]byte, error) { return Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}
