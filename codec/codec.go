// Package codec turns RPCMessage records into bytes and back.
//
// The binary codec is the region layout the worker reads from its queue. The JSON codec
// carries the same record over the network gateway, where readability beats size.
package codec

import "github.com/pkg/errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ErrMalformed is wrapped by every decode failure caused by bad input bytes.
var ErrMalformed = errors.New("codec: malformed record")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a config name onto a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "binary":
		return CodecTypeBinary, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, errors.Errorf("codec: unknown codec %q", name)
}
