package codec

import (
	cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec using the core encoding profile
func CBOR() (Codec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Encode(dst []byte, v any) (int, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return 0, err
	}
	return place(dst, b)
}

func (c cborCodec) Decode(src []byte, v any) (int, error) {
	if err := c.dec.Unmarshal(src, v); err != nil {
		return 0, err
	}
	return len(src), nil
}
