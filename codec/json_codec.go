package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"frame-rpc/message"
)

// JSONCodec writes compact JSON text. Numbers inside params and results
// decode as float64, matching what the serializer produces.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg *message.Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("codec: encode message %d: %w", msg.ID, err)
	}
	return string(data), nil
}

func (c *JSONCodec) Decode(payload string) (*message.Message, error) {
	data := bytes.TrimSpace([]byte(payload))
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotProtocolMessage
	}
	var msg message.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotProtocolMessage, err)
	}
	return &msg, nil
}

func (c *JSONCodec) Name() string {
	return "json"
}
