// Package transport carries text payloads between two frames.
//
// The protocol needs very little from a transport: post a whole text payload
// towards a peer, and receive payloads together with the sender's identity
// and declared origin. Delivery is best-effort and unordered.
//
//	frame A ──PostMessage(payload, origin)──→ Sink ··· Source.Recv ──→ Envelope{payload, source, origin}
//
// Window is an in-process model of browser windows. Conn carries
// newline-delimited payloads over any io.ReadWriteCloser, and WebSocket sends
// one text frame per payload.
package transport

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// WildcardOrigin addresses a payload to the peer whatever its origin.
const WildcardOrigin = "*"

// ErrClosed is returned once an endpoint has been closed.
var ErrClosed = errors.New("transport: endpoint closed")

// Sink posts payloads to one peer. Implementations must be comparable: the
// Sink found in an Envelope is compared with == against the Sink a channel
// was created with.
type Sink interface {
	PostMessage(payload, targetOrigin string) error
}

// Source yields received payloads.
type Source interface {
	Recv(ctx context.Context) (Envelope, error)
}

// Envelope is one received payload. Source posts back to the sender.
type Envelope struct {
	Payload string
	Source  Sink
	Origin  string
}

// originMatches reports whether a payload addressed to target may be
// delivered to a receiver whose origin is actual.
func originMatches(target, actual string) bool {
	if target == WildcardOrigin {
		return true
	}
	return strings.EqualFold(normalizeOrigin(target), normalizeOrigin(actual))
}

// normalizeOrigin reduces a URL to scheme://host so that a full page URL can
// be used as a target origin.
func normalizeOrigin(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return s
	}
	return u.Scheme + "://" + u.Host
}
