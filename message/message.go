// Package message defines the single wire entity exchanged between two
// frames.
//
// A Message is either a request or a response:
//
//	request:  {"id":1,"methodName":"getName","instanceId":"svc","params":[...]}
//	response: {"id":1,"result":...}   or   {"id":1,"error":...}
//
// Params, Result and Error hold serialized mirror trees (see package
// serializer); the codec layer turns the whole Message into JSON text.
package message

import "frame-rpc/serializer"

// Message carries one request or one response.
type Message struct {
	ID                    int64                `json:"id,omitempty"`
	MethodName            string               `json:"methodName,omitempty"`
	InstanceID            string               `json:"instanceId,omitempty"`
	InstanceContext       any                  `json:"instanceContext,omitempty"`
	Params                []any                `json:"params,omitempty"`
	SerializationSettings *serializer.Settings `json:"serializationSettings,omitempty"`
	HandshakeToken        string               `json:"handshakeToken,omitempty"`
	Result                any                  `json:"result,omitempty"`
	Error                 any                  `json:"error,omitempty"`
}

// IsRequest reports whether m addresses a registered object. Anything else is
// treated as a response.
func (m *Message) IsRequest() bool {
	return m.InstanceID != ""
}

// IsError reports whether a response carries an error. Peers treat a falsy
// error member (false, 0 or "") as success, and so does IsError.
func (m *Message) IsError() bool {
	switch e := m.Error.(type) {
	case nil:
		return false
	case bool:
		return e
	case string:
		return e != ""
	case float64:
		return e != 0
	case int:
		return e != 0
	}
	return true
}

// Response builds the reply skeleton for request m. The handshake token is
// echoed so a peer that is still bootstrapping can recognise the reply.
func (m *Message) Response() *Message {
	return &Message{ID: m.ID, HandshakeToken: m.HandshakeToken}
}
