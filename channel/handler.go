package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"frame-rpc/message"
	"frame-rpc/middleware"
	"frame-rpc/promise"
	"frame-rpc/serializer"
	"frame-rpc/service"
	"frame-rpc/transport"
)

// Owns reports whether a message received from source with the given origin
// belongs to this channel. It may fix the target origin as a side effect:
// a channel still waiting for its handshake adopts the origin of the first
// message that carries its token.
func (c *Channel) Owns(source transport.Sink, origin string, msg *message.Message) bool {
	if !sameSink(source, c.sink) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	// a token other than ours is never accepted, before or after the handshake
	if c.handshakeToken != "" && msg.HandshakeToken != "" && msg.HandshakeToken != c.handshakeToken {
		return false
	}

	if c.targetOrigin != "" {
		if origin == "" {
			return false
		}
		// sandboxed frames report the literal origin "null"
		if strings.EqualFold(origin, "null") {
			return true
		}
		return strings.HasPrefix(strings.ToLower(c.targetOrigin), strings.ToLower(origin))
	}

	if msg.HandshakeToken != "" && msg.HandshakeToken == c.handshakeToken {
		c.targetOrigin = origin
		c.logger.WithField("origin", origin).Info("handshake complete, target origin fixed")
		return true
	}
	return false
}

// sameSink compares two sinks without panicking on non-comparable types.
func sameSink(a, b transport.Sink) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// OnMessage handles a message this channel owns. It reports false for a
// request whose object cannot be resolved and for a response to no pending
// call.
func (c *Channel) OnMessage(msg *message.Message) bool {
	if c.Closed() {
		return false
	}
	if msg.IsRequest() {
		return c.onRequest(msg)
	}
	return c.onResponse(msg)
}

func (c *Channel) onResponse(msg *message.Message) bool {
	call, ok := c.take(msg.ID)
	if !ok {
		return false
	}
	call.stop()

	if msg.IsError() {
		err := newRemoteError(c.deserialize(msg.Error))
		c.logger.WithFields(logrus.Fields{
			"id":       msg.ID,
			"instance": call.instance,
			"method":   call.method,
		}).WithError(err).Debug("remote call failed")
		call.reject(err)
		return true
	}
	call.resolve(c.deserialize(msg.Result))
	return true
}

func (c *Channel) onRequest(msg *message.Message) bool {
	instance, ok := c.resolveInstance(msg)
	if !ok {
		return false
	}

	if p, ok := instance.(*promise.Promise); ok && p != nil {
		p.Then(func(v any, err error) {
			if err != nil {
				c.RespondError(msg, err)
				return
			}
			c.invoke(v, msg)
		})
		return true
	}
	c.invoke(instance, msg)
	return true
}

func (c *Channel) resolveInstance(msg *message.Message) (any, bool) {
	if msg.InstanceID == serializer.ProxyFunctionsInstanceID {
		return proxyTable{c}, true
	}
	contextData := c.deserialize(msg.InstanceContext)
	if instance, ok := c.registry.Resolve(msg.InstanceID, contextData); ok {
		return instance, true
	}
	if c.cfg.Global != nil {
		return c.cfg.Global.Resolve(msg.InstanceID, contextData)
	}
	return nil, false
}

func (c *Channel) invoke(instance any, msg *message.Message) {
	var args []any
	if msg.Params != nil {
		args, _ = c.deserialize(msg.Params).([]any)
	}
	req := &middleware.Request{
		ChannelID:  c.id,
		InstanceID: msg.InstanceID,
		MethodName: msg.MethodName,
		Instance:   instance,
		Params:     args,
	}
	c.handle(req).Then(func(v any, err error) {
		if err != nil {
			c.RespondError(msg, err)
			return
		}
		c.respond(msg, v)
	})
}

func (c *Channel) handle(req *middleware.Request) (p *promise.Promise) {
	defer func() {
		if r := recover(); r != nil {
			p = promise.Reject(fmt.Errorf("request handler panicked: %v", r))
		}
	}()
	p = c.handler(c.ctx, req)
	if p == nil {
		p = promise.Resolve(nil)
	}
	return p
}

// dispatch is the innermost handler of the middleware chain.
func (c *Channel) dispatch(ctx context.Context, req *middleware.Request) *promise.Promise {
	return service.Invoke(ctx, req.Instance, req.MethodName, req.Params)
}

func (c *Channel) respond(req *message.Message, result any) {
	resp := req.Response()
	resp.Result = c.serializeReply(result, req.SerializationSettings)
	c.post(resp)
}

// serializeReply writes a result or error one level below the root, where a
// params element sits, so deep values are cut at the same level both ways.
func (c *Channel) serializeReply(v any, settings *serializer.Settings) any {
	tree, _ := serializer.Serialize([]any{v}, settings, c).([]any)
	if len(tree) == 0 {
		return nil
	}
	return tree[0]
}

// RespondError answers req with err. A *RemoteError is passed on with the
// value the peer originally sent.
func (c *Channel) RespondError(req *message.Message, err error) {
	var value any = err
	var remote *RemoteError
	if errors.As(err, &remote) {
		value = remote.Value
	}

	resp := req.Response()
	resp.Error = c.serializeReply(value, req.SerializationSettings)
	if resp.Error == nil {
		resp.Error = map[string]any{"message": fmt.Sprint(err)}
	}
	c.post(resp)
}

func (c *Channel) post(resp *message.Message) {
	c.mu.Lock()
	target := c.postOrigin()
	c.mu.Unlock()

	entry := c.logger.WithField("id", resp.ID)
	payload, err := c.cfg.Codec.Encode(resp)
	if err != nil {
		entry.WithError(err).Warn("failed to encode response")
		return
	}
	if err := c.sink.PostMessage(payload, target); err != nil {
		entry.WithError(err).Warn("failed to post response")
	}
}

// proxyTable answers calls to functions this channel handed to its peer.
type proxyTable struct {
	c *Channel
}

func (t proxyTable) Lookup(name string) (service.Method, bool) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	m, ok := t.c.proxies[name]
	return m, ok
}
