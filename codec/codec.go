package codec

import (
	"errors"

	"frame-rpc/message"
)

// ErrNotProtocolMessage is returned for payloads that are not a JSON object.
// Receivers drop such payloads without answering.
var ErrNotProtocolMessage = errors.New("codec: payload is not a protocol message")

// Codec turns a Message into the text payload posted on a transport and back.
type Codec interface {
	Encode(msg *message.Message) (string, error)
	Decode(payload string) (*message.Message, error)
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = &JSONCodec{}
