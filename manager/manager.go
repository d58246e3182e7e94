// Package manager owns every channel of one frame and routes inbound
// payloads to them.
//
//	Source.Recv ──→ HandleEnvelope ──decode──→ for each channel:
//	                                             Owns(source, origin, msg)? → OnMessage(msg)
//
// Payloads are handled one at a time on the Serve goroutine. A request that
// some channel owns but none can resolve is answered with an error, so the
// caller does not wait forever; a payload nobody owns is dropped silently.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"frame-rpc/channel"
	"frame-rpc/codec"
	"frame-rpc/transport"
)

var ErrAlreadyServing = errors.New("manager: already serving")

// NotFoundError answers a request for an instance id no channel could
// resolve.
type NotFoundError struct {
	InstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("The registered object %s could not be found.", e.InstanceID)
}

type Manager struct {
	cfg    *channel.Config
	codec  codec.Codec
	logger logrus.FieldLogger

	mu       sync.RWMutex
	channels []*channel.Channel
	serving  atomic.Bool
}

// New creates a manager whose channels share cfg. A nil cfg uses
// channel.DefaultConfig.
func New(cfg *channel.Config) *Manager {
	if cfg == nil {
		cfg = channel.DefaultConfig()
	}
	m := &Manager{cfg: cfg, codec: cfg.Codec, logger: cfg.Logger}
	if m.codec == nil {
		m.codec = codec.Default
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	return m
}

// AddChannel opens a channel to the peer reached through sink. Pass an
// empty targetOrigin when the peer's origin is not known; the channel then
// learns it through the handshake.
func (m *Manager) AddChannel(sink transport.Sink, targetOrigin string) *channel.Channel {
	ch := channel.New(sink, targetOrigin, m.cfg)

	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"channel": ch.ID(),
		"origin":  targetOrigin,
	}).Debug("channel added")
	return ch
}

// RemoveChannel stops routing to ch and closes it, rejecting its pending
// calls.
func (m *Manager) RemoveChannel(ch *channel.Channel) {
	m.mu.Lock()
	kept := m.channels[:0]
	for _, c := range m.channels {
		if c != ch {
			kept = append(kept, c)
		}
	}
	clear(m.channels[len(kept):])
	m.channels = kept
	m.mu.Unlock()

	ch.Close()
	m.logger.WithField("channel", ch.ID()).Debug("channel removed")
}

// Channels returns a snapshot of the open channels.
func (m *Manager) Channels() []*channel.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*channel.Channel(nil), m.channels...)
}

// Serve reads src until ctx ends or src is closed, handling each payload
// before reading the next. Only one Serve may run at a time.
func (m *Manager) Serve(ctx context.Context, src transport.Source) error {
	if !m.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer m.serving.Store(false)

	for {
		env, err := src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		m.HandleEnvelope(env)
	}
}

// HandleEnvelope routes one received payload.
func (m *Manager) HandleEnvelope(env transport.Envelope) {
	msg, err := m.codec.Decode(env.Payload)
	if err != nil {
		m.logger.WithError(err).Debug("ignoring payload")
		return
	}

	handled := false
	var owner *channel.Channel
	for _, ch := range m.Channels() {
		if ch.Owns(env.Source, env.Origin, msg) {
			owner = ch
			handled = ch.OnMessage(msg) || handled
		}
	}

	entry := m.logger.WithFields(logrus.Fields{
		"id":       msg.ID,
		"instance": msg.InstanceID,
		"method":   msg.MethodName,
		"origin":   env.Origin,
	})
	switch {
	case owner == nil:
		entry.Debug("message not owned by any channel")
	case !handled:
		entry.WithField("channel", owner.ID()).Warn("no handler found on any channel for message")
		if msg.IsRequest() {
			owner.RespondError(msg, &NotFoundError{InstanceID: msg.InstanceID})
		}
	}
}

// Close closes and forgets every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := m.channels
	m.channels = nil
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
