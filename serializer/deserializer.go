package serializer

import (
	"errors"
	"strconv"
	"time"

	"frame-rpc/promise"
)

// ProxyFunctionsInstanceID is the reserved instance id under which a channel
// answers calls to functions it handed out.
const ProxyFunctionsInstanceID = "__proxyFunctions"

// ProxyMethodPrefix prefixes the proxy id to form the method name of a proxied
// function.
const ProxyMethodPrefix = "proxy"

// ErrNoInvoker rejects calls to a proxy function deserialized without a
// channel to call through.
var ErrNoInvoker = errors.New("serializer: proxy function has no channel")

// Invoker performs the remote call behind a proxy function.
type Invoker interface {
	InvokeRemoteMethod(methodName, instanceID string, params []any, contextData any, settings *Settings) *promise.Promise
}

// ProxyFunc stands in for a function that lives on the other side. Calling
// it sends a request back to the side that owns the function.
type ProxyFunc func(args ...any) *promise.Promise

// Deserialize rebuilds a value from a mirror tree as produced by
// encoding/json. Markers become time.Time values, ProxyFuncs and shared map
// references. The input is not modified.
func Deserialize(tree any, invoker Invoker) any {
	d := &deserializer{invoker: invoker, refs: map[float64]map[string]any{}}
	return d.value(tree)
}

type deserializer struct {
	invoker Invoker
	refs    map[float64]map[string]any
}

func (d *deserializer) value(v any) any {
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = d.value(item)
		}
		return out
	case map[string]any:
		return d.object(v)
	default:
		return v
	}
}

func (d *deserializer) object(m map[string]any) any {
	if id, ok := number(m[KeyProxyFunctionID]); ok && id != 0 {
		channelID, _ := number(m[KeyChannelID])
		return d.proxy(id, channelID)
	}
	if ms, ok := number(m[KeyProxyDate]); ok {
		return time.UnixMilli(int64(ms)).UTC()
	}
	if id, ok := number(m[KeyCircularReference]); ok {
		if ref, ok := d.refs[id]; ok {
			return ref
		}
		return nil
	}

	out := make(map[string]any, len(m))
	if id, ok := number(m[KeyCircularReferenceID]); ok {
		d.refs[id] = out
	}
	for k, item := range m {
		if k == KeyCircularReferenceID {
			continue
		}
		out[k] = d.value(item)
	}
	return out
}

func (d *deserializer) proxy(id, channelID float64) ProxyFunc {
	invoker := d.invoker
	method := ProxyMethodPrefix + strconv.FormatInt(int64(id), 10)
	return func(args ...any) *promise.Promise {
		if invoker == nil {
			return promise.Reject(ErrNoInvoker)
		}
		if args == nil {
			args = []any{}
		}
		return invoker.InvokeRemoteMethod(method, ProxyFunctionsInstanceID, args, channelID,
			&Settings{IncludeUnderscoreProperties: true})
	}
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
