package channel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"frame-rpc/codec"
	"frame-rpc/middleware"
	"frame-rpc/registry"
	"frame-rpc/serializer"
)

// Config is shared by every channel a Manager creates.
type Config struct {
	// Global is consulted after a channel's own registry. It is owned by the
	// embedder and lives as long as the process.
	Global *registry.Registry

	Codec  codec.Codec
	Logger logrus.FieldLogger

	// CallTimeout bounds every outbound call. Zero waits for the response
	// for as long as the channel is open.
	CallTimeout time.Duration

	// Middlewares wrap the dispatch of inbound requests, outermost first.
	Middlewares []middleware.Middleware
}

func DefaultConfig() *Config {
	return &Config{
		Codec:  codec.Default,
		Logger: logrus.StandardLogger(),
	}
}

func parseConfig(cfg *Config) Config {
	if cfg == nil {
		return *DefaultConfig()
	}
	c := *cfg
	if c.Codec == nil {
		c.Codec = codec.Default
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

type invokeOptions struct {
	contextData any
	settings    *serializer.Settings
	timeout     time.Duration
	ctx         context.Context
}

// InvokeOption tunes a single outbound call.
type InvokeOption func(*invokeOptions)

// WithContextData passes data to a factory registered on the remote side.
func WithContextData(data any) InvokeOption {
	return func(o *invokeOptions) { o.contextData = data }
}

// WithSerializationSettings applies to the params and, on the remote side,
// to the result.
func WithSerializationSettings(s *serializer.Settings) InvokeOption {
	return func(o *invokeOptions) { o.settings = s }
}

// WithTimeout overrides Config.CallTimeout. Zero disables the timeout.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.timeout = d }
}

// WithContext abandons the call when ctx ends. Nothing is sent to the peer;
// a late response is ignored.
func WithContext(ctx context.Context) InvokeOption {
	return func(o *invokeOptions) { o.ctx = ctx }
}
