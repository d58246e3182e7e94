package channel

import (
	"errors"
	"fmt"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrTimeout       = errors.New("remote call timed out")
)

// RemoteError is how a failure reported by the peer reaches the caller.
// Value is the deserialized error payload.
type RemoteError struct {
	Message string
	Value   any
}

func newRemoteError(value any) *RemoteError {
	return &RemoteError{Message: messageOf(value), Value: value}
}

func (e *RemoteError) Error() string {
	return e.Message
}

func messageOf(value any) string {
	switch v := value.(type) {
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	case string:
		return v
	case nil:
		return "remote error"
	}
	return fmt.Sprint(value)
}
