package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns a codec using encoding/json
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(dst []byte, v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return place(dst, b)
}

func (jsonCodec) Decode(src []byte, v any) (int, error) {
	if err := json.Unmarshal(src, v); err != nil {
		return 0, err
	}
	return len(src), nil
}
