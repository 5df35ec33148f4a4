package codec

import (
	"encoding/json"

	"github.com/pkg/errors"

	"scriptbridge/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug from a controller script.
// Cons: larger payload, and script sources get escaped.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(ErrMalformed, "json: %v", err)
	}
	if msg, ok := v.(*message.RPCMessage); ok && !msg.Type.Valid() {
		return errors.Wrapf(ErrMalformed, "unknown message type %d", msg.Type)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
