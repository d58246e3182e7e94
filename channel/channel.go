// Package channel implements one RPC conversation between this frame and a
// single peer frame.
//
// Outbound calls get a message id and a pending entry; the entry settles
// when a response with the same id comes back, whatever the arrival order:
//
//	caller ──InvokeRemoteMethod(id=1)──┐
//	caller ──InvokeRemoteMethod(id=2)──┼──→ Sink ──→ peer
//	                                   │
//	OnMessage ←── response(id=2) → pending[2] settles → caller 2 resumes
//
// Inbound requests are resolved through the channel's own registry, then the
// global one, and dispatched through the middleware chain.
//
// A channel created without a target origin generates a handshake token and
// sends it with every request. The first inbound message from the peer that
// carries the same token fixes the peer's origin for good.
package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"frame-rpc/message"
	"frame-rpc/middleware"
	"frame-rpc/promise"
	"frame-rpc/registry"
	"frame-rpc/serializer"
	"frame-rpc/service"
	"frame-rpc/transport"
)

var nextChannelID atomic.Int64

type pendingCall struct {
	method   string
	instance string
	resolve  promise.ResolveFunc
	reject   promise.RejectFunc
	stops    []func() bool
}

func (pc *pendingCall) stop() {
	for _, stop := range pc.stops {
		stop()
	}
}

// Channel is safe for concurrent use.
type Channel struct {
	id       int64
	sink     transport.Sink
	cfg      Config
	logger   logrus.FieldLogger
	registry *registry.Registry
	handler  middleware.HandlerFunc

	ctx    context.Context // handed to inbound method calls, cancelled by Close
	cancel context.CancelFunc

	sending sync.Mutex // id allocation and post happen in one step

	mu             sync.Mutex
	targetOrigin   string
	handshakeToken string
	nextMessageID  int64
	pending        map[int64]*pendingCall
	nextProxyID    int64
	proxies        map[string]service.Method
	closed         bool
}

// New creates a channel posting to sink. An empty targetOrigin means the
// peer's origin is not known yet and will be learned through the handshake.
func New(sink transport.Sink, targetOrigin string, cfg *Config) *Channel {
	c := &Channel{
		id:           nextChannelID.Add(1),
		sink:         sink,
		cfg:          parseConfig(cfg),
		registry:     registry.New(),
		targetOrigin: targetOrigin,
		pending:      make(map[int64]*pendingCall),
		proxies:      make(map[string]service.Method),
	}
	if targetOrigin == "" {
		c.handshakeToken = uuid.NewString()
	}
	c.logger = c.cfg.Logger.WithField("channel", c.id)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handler = middleware.Chain(c.cfg.Middlewares...)(c.dispatch)
	return c
}

func (c *Channel) ID() int64 { return c.id }

// ObjectRegistry holds objects exposed to this channel's peer only.
func (c *Channel) ObjectRegistry() *registry.Registry { return c.registry }

// Sink is the endpoint this channel posts to.
func (c *Channel) Sink() transport.Sink { return c.sink }

// TargetOrigin is the peer's origin, empty until the handshake completes.
func (c *Channel) TargetOrigin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetOrigin
}

// HandshakeToken is the token the peer must present. It is empty for a
// channel created with a known origin.
func (c *Channel) HandshakeToken() string {
	return c.handshakeToken
}

// Pending reports the number of calls waiting for a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// InvokeRemoteMethod calls methodName on the object registered as
// instanceID on the peer. An empty methodName asks for the object itself.
// The returned promise settles with the peer's response, or rejects on
// timeout, abandonment, Close, or a failure to post.
func (c *Channel) InvokeRemoteMethod(methodName, instanceID string, params []any, opts ...InvokeOption) *promise.Promise {
	o := invokeOptions{timeout: c.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	msg := &message.Message{
		MethodName:            methodName,
		InstanceID:            instanceID,
		InstanceContext:       serializer.Serialize(o.contextData, o.settings, c),
		SerializationSettings: o.settings,
	}
	if params != nil {
		msg.Params, _ = serializer.Serialize(params, o.settings, c).([]any)
	}

	p, resolve, reject := promise.New()
	call := &pendingCall{method: methodName, instance: instanceID, resolve: resolve, reject: reject}

	c.sending.Lock()
	defer c.sending.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return promise.Reject(ErrChannelClosed)
	}
	c.nextMessageID++
	msg.ID = c.nextMessageID
	if c.targetOrigin == "" {
		msg.HandshakeToken = c.handshakeToken
	}
	target := c.postOrigin()
	c.pending[msg.ID] = call
	c.mu.Unlock()

	id := msg.ID
	if o.timeout > 0 {
		d := o.timeout
		timer := time.AfterFunc(d, func() {
			c.abandon(id, fmt.Errorf("%w: %s on %s after %s", ErrTimeout, methodName, instanceID, d))
		})
		call.stops = append(call.stops, timer.Stop)
	}
	if o.ctx != nil {
		ctx := o.ctx
		call.stops = append(call.stops, context.AfterFunc(ctx, func() {
			c.abandon(id, ctx.Err())
		}))
	}

	payload, err := c.cfg.Codec.Encode(msg)
	if err == nil {
		err = c.sink.PostMessage(payload, target)
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"id":       id,
			"instance": instanceID,
			"method":   methodName,
		}).WithError(err).Warn("failed to post request")
		c.abandon(id, fmt.Errorf("post request %d: %w", id, err))
		return p
	}

	c.logger.WithFields(logrus.Fields{
		"id":       id,
		"instance": instanceID,
		"method":   methodName,
	}).Debug("request sent")
	return p
}

// Call invokes a remote method and waits for its result. The call is
// abandoned when ctx ends.
func (c *Channel) Call(ctx context.Context, methodName, instanceID string, params ...any) (any, error) {
	p := c.InvokeRemoteMethod(methodName, instanceID, params, WithContext(ctx))
	return p.Await(ctx)
}

// GetRemoteObjectProxy fetches the object registered as instanceID on the
// peer without calling any of its methods.
func (c *Channel) GetRemoteObjectProxy(instanceID string, contextData any) *promise.Promise {
	return c.InvokeRemoteMethod("", instanceID, nil, WithContextData(contextData))
}

// RegisterProxyFunction records fn so the peer can call it back. It is
// called by the serializer for every func found in an outgoing value.
func (c *Channel) RegisterProxyFunction(fn any) (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextProxyID++
	if m := service.Func(fn); m != nil && !c.closed {
		c.proxies[serializer.ProxyMethodPrefix+strconv.FormatInt(c.nextProxyID, 10)] = m
	}
	return c.nextProxyID, c.id
}

// Close rejects every pending call with ErrChannelClosed, forgets the
// proxied functions and cancels running method calls. A closed channel owns
// no messages and rejects new calls.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.proxies = make(map[string]service.Method)
	c.mu.Unlock()

	c.cancel()
	for _, call := range pending {
		call.stop()
		call.reject(ErrChannelClosed)
	}
	c.logger.WithField("rejected", len(pending)).Debug("channel closed")
}

// postOrigin must be called with c.mu held.
func (c *Channel) postOrigin() string {
	if c.targetOrigin == "" {
		return transport.WildcardOrigin
	}
	return c.targetOrigin
}

func (c *Channel) take(id int64) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return call, ok
}

// abandon drops a pending call locally. A response arriving later is not
// claimed by this channel.
func (c *Channel) abandon(id int64, err error) {
	call, ok := c.take(id)
	if !ok {
		return
	}
	call.stop()
	call.reject(err)
}

// proxyInvoker lets deserialized proxy functions call back through c.
type proxyInvoker struct {
	c *Channel
}

func (pi proxyInvoker) InvokeRemoteMethod(methodName, instanceID string, params []any, contextData any, settings *serializer.Settings) *promise.Promise {
	return pi.c.InvokeRemoteMethod(methodName, instanceID, params,
		WithContextData(contextData), WithSerializationSettings(settings))
}

func (c *Channel) deserialize(tree any) any {
	return serializer.Deserialize(tree, proxyInvoker{c})
}
