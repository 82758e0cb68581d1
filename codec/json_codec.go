package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec plays two roles. As an envelope codec it encodes the body of every frame on
// a connection configured for "json"; as the default payload codec it encodes the
// arguments and replies of typed calls (client.Invoke, registered service methods).
//
// Envelope payloads are base64 strings in the body. A nil Payload is written as null and
// decodes back to nil; an empty one is written as "" and decodes to an empty slice.
// Handlers should test len(Payload) and not compare against nil.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode %T: %w", v, err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode %T: %w", v, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
