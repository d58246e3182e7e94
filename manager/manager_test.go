package manager

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frame-rpc/channel"
	"frame-rpc/message"
	"frame-rpc/middleware"
	"frame-rpc/promise"
	"frame-rpc/registry"
	"frame-rpc/serializer"
	"frame-rpc/transport"
)

const (
	hostOrigin  = "https://host.example"
	frameOrigin = "https://frame.example"
)

// ---- 测试用的服务 ----

type Echo struct{}

func (Echo) Echo(v any) any { return v }

type Calc struct {
	calls atomic.Int32
}

func (c *Calc) Apply(fn serializer.ProxyFunc, x, y float64) *promise.Promise {
	c.calls.Add(1)
	return fn(x, y)
}

func (c *Calc) Add(x, y float64) float64 { return x + y }

func newGlobal() *registry.Registry {
	reg := registry.New()
	reg.Register("global.calc", &Calc{})
	return reg
}

func quietConfig() *channel.Config {
	logger, _ := test.NewNullLogger()
	cfg := channel.DefaultConfig()
	cfg.Logger = logger
	return cfg
}

type pair struct {
	host, frame     *Manager
	hostCh, frameCh *channel.Channel
	hostWin         *transport.Window
	frameWin        *transport.Window
}

// newPair wires a host and a frame manager over two windows and serves both.
// The host learns the frame's origin through the handshake when hostKnows is
// false.
func newPair(t testing.TB, hostKnows bool, frameCfg *channel.Config) *pair {
	t.Helper()
	p := &pair{
		hostWin:  transport.NewWindow(hostOrigin),
		frameWin: transport.NewWindow(frameOrigin),
		host:     New(quietConfig()),
	}
	if frameCfg == nil {
		frameCfg = quietConfig()
	}
	p.frame = New(frameCfg)

	target := ""
	if hostKnows {
		target = frameOrigin
	}
	p.hostCh = p.host.AddChannel(p.hostWin.To(p.frameWin), target)
	p.frameCh = p.frame.AddChannel(p.frameWin.To(p.hostWin), hostOrigin)

	ctx, cancel := context.WithCancel(context.Background())
	go p.host.Serve(ctx, p.hostWin)
	go p.frame.Serve(ctx, p.frameWin)
	t.Cleanup(func() {
		cancel()
		p.host.Close()
		p.frame.Close()
		p.hostWin.Close()
		p.frameWin.Close()
	})
	return p
}

func call(t *testing.T, ch *channel.Channel, method, instance string, params ...any) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ch.Call(ctx, method, instance, params...)
}

func TestRoundTrip(t *testing.T) {
	p := newPair(t, true, nil)
	p.frameCh.ObjectRegistry().Register("echo", Echo{})

	v := map[string]any{
		"name":   "frame",
		"nested": map[string]any{"list": []any{1.0, "two", nil, true}},
	}
	got, err := call(t, p.hostCh, "echo", "echo", v)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDateFidelity(t *testing.T) {
	p := newPair(t, true, nil)
	p.frameCh.ObjectRegistry().Register("echo", Echo{})

	d := time.Date(2021, 6, 7, 8, 9, 10, 11_000_000, time.UTC)
	got, err := call(t, p.hostCh, "echo", "echo", d)
	require.NoError(t, err)
	assert.Equal(t, d.UnixMilli(), got.(time.Time).UnixMilli())
}

func TestCycleIdentity(t *testing.T) {
	p := newPair(t, true, nil)
	p.frameCh.ObjectRegistry().Register("echo", Echo{})

	a := map[string]any{"name": "a"}
	a["self"] = a
	got, err := call(t, p.hostCh, "echo", "echo", a)
	require.NoError(t, err)

	b := got.(map[string]any)
	assert.Equal(t, "a", b["name"])
	assert.Equal(t, reflect.ValueOf(b).Pointer(), reflect.ValueOf(b["self"]).Pointer())
}

func TestFunctionProxying(t *testing.T) {
	p := newPair(t, true, nil)
	calc := &Calc{}
	p.frameCh.ObjectRegistry().Register("calc", calc)

	var invoked atomic.Int32
	f := func(x, y float64) float64 {
		invoked.Add(1)
		return x*10 + y
	}
	got, err := call(t, p.hostCh, "Apply", "calc", f, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, int32(1), calc.calls.Load())
}

func TestRemoteObjectHandle(t *testing.T) {
	p := newPair(t, true, nil)
	calc := &Calc{}
	p.frameCh.ObjectRegistry().Register("calc", calc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.hostCh.GetRemoteObjectProxy("calc", nil).Await(ctx)
	require.NoError(t, err)
	handle, ok := v.(map[string]any)
	require.True(t, ok)

	add, ok := handle["add"].(serializer.ProxyFunc)
	require.True(t, ok, "handle exposes add")
	got, err := add(1, 2).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	apply, ok := handle["apply"].(serializer.ProxyFunc)
	require.True(t, ok, "handle exposes apply")
	got, err = apply(func(x, y float64) float64 { return x * y }, 6, 7).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
	assert.Equal(t, int32(1), calc.calls.Load())
}

func TestDepthTruncation(t *testing.T) {
	p := newPair(t, true, nil)
	p.frameCh.ObjectRegistry().Register("echo", Echo{})

	root := map[string]any{}
	cur := root
	for i := 2; i <= 101; i++ {
		next := map[string]any{}
		cur["child"] = next
		cur = next
	}

	// params are level 1, so the echoed value starts one level down
	got, err := call(t, p.hostCh, "echo", "echo", root)
	require.NoError(t, err)
	levels := 0
	for m, ok := got.(map[string]any); ok; m, ok = m["child"].(map[string]any) {
		levels++
	}
	assert.Equal(t, serializer.MaxDepth-1, levels)
}

func TestHandshakeBootstrap(t *testing.T) {
	p := newPair(t, false, nil)
	p.frameCh.ObjectRegistry().Register("calc", &Calc{})
	require.Empty(t, p.hostCh.TargetOrigin())

	got, err := call(t, p.hostCh, "add", "calc", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
	assert.Equal(t, frameOrigin, p.hostCh.TargetOrigin())

	// the frame can now call the host without any token
	p.hostCh.ObjectRegistry().Register("calc", &Calc{})
	got, err = call(t, p.frameCh, "add", "calc", 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	host := New(quietConfig())
	hostWin, frameWin := transport.NewWindow(hostOrigin), transport.NewWindow(frameOrigin)
	defer hostWin.Close()
	defer frameWin.Close()
	ch := host.AddChannel(hostWin.To(frameWin), "")
	pending := ch.InvokeRemoteMethod("m", "svc", nil)

	forged := transport.Envelope{
		Payload: `{"id":1,"result":"forged","handshakeToken":"not-the-token"}`,
		Source:  hostWin.To(frameWin),
		Origin:  frameOrigin,
	}
	host.HandleEnvelope(forged)
	assert.Equal(t, 1, ch.Pending())
	assert.Empty(t, ch.TargetOrigin())

	host.HandleEnvelope(transport.Envelope{
		Payload: `{"id":1,"result":"real","handshakeToken":"` + ch.HandshakeToken() + `"}`,
		Source:  hostWin.To(frameWin),
		Origin:  frameOrigin,
	})
	v, err := pending.Result()
	require.NoError(t, err)
	assert.Equal(t, "real", v)
	assert.Equal(t, frameOrigin, ch.TargetOrigin())

	next := ch.InvokeRemoteMethod("m", "svc", nil)
	forged.Payload = `{"id":2,"result":"forged","handshakeToken":"not-the-token"}`
	host.HandleEnvelope(forged)
	assert.Equal(t, promise.Pending, next.State())
}

func TestChannelIsolation(t *testing.T) {
	host := New(quietConfig())
	hostWin := transport.NewWindow(hostOrigin)
	frameA := transport.NewWindow("https://a.example")
	frameB := transport.NewWindow("https://b.example")
	defer hostWin.Close()
	defer frameA.Close()
	defer frameB.Close()

	chA := host.AddChannel(hostWin.To(frameA), "https://a.example")
	chB := host.AddChannel(hostWin.To(frameB), "https://b.example")
	pa := chA.InvokeRemoteMethod("who", "svc", nil)
	pb := chB.InvokeRemoteMethod("who", "svc", nil)

	env := transport.Envelope{Payload: `{"id":1,"result":"A"}`, Source: hostWin.To(frameA), Origin: "https://a.example"}
	assert.True(t, chA.Owns(env.Source, env.Origin, &message.Message{ID: 1}))
	assert.False(t, chB.Owns(env.Source, env.Origin, &message.Message{ID: 1}))

	host.HandleEnvelope(env)
	assert.Equal(t, 0, chA.Pending())
	assert.Equal(t, 1, chB.Pending())
	v, _ := pa.Result()
	assert.Equal(t, "A", v)
	assert.Equal(t, promise.Pending, pb.State())

	// the right source with the wrong origin is not enough either
	host.HandleEnvelope(transport.Envelope{Payload: `{"id":1,"result":"B"}`, Source: hostWin.To(frameB), Origin: "https://a.example"})
	assert.Equal(t, 1, chB.Pending())
}

func TestUnresolvableRequest(t *testing.T) {
	p := newPair(t, true, nil)

	_, err := call(t, p.hostCh, "foo", "no-such-instance")
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no-such-instance")
	assert.Equal(t, "The registered object no-such-instance could not be found.", remote.Message)
}

func TestReorderedResponses(t *testing.T) {
	host := New(quietConfig())
	hostWin, frameWin := transport.NewWindow(hostOrigin), transport.NewWindow(frameOrigin)
	defer hostWin.Close()
	defer frameWin.Close()
	ch := host.AddChannel(hostWin.To(frameWin), frameOrigin)

	first := ch.InvokeRemoteMethod("m", "svc", nil)
	second := ch.InvokeRemoteMethod("m", "svc", nil)

	from := hostWin.To(frameWin)
	host.HandleEnvelope(transport.Envelope{Payload: `{"id":2,"result":"second"}`, Source: from, Origin: frameOrigin})
	host.HandleEnvelope(transport.Envelope{Payload: `{"id":1,"result":"first"}`, Source: from, Origin: frameOrigin})

	v1, err := first.Result()
	require.NoError(t, err)
	v2, err := second.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", v1)
	assert.Equal(t, "second", v2)
}

func TestConcurrentCalls(t *testing.T) {
	p := newPair(t, true, nil)
	p.frameCh.ObjectRegistry().Register("calc", &Calc{})

	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			got, err := call(t, p.hostCh, "Add", "calc", i, i)
			if err == nil && got != float64(2*i) {
				err = errors.New("mismatched result")
			}
			results <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-results)
	}
}

func TestGlobalRegistry(t *testing.T) {
	cfg := quietConfig()
	cfg.Global = newGlobal()
	p := newPair(t, true, cfg)

	got, err := call(t, p.hostCh, "Add", "global.calc", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestMiddlewareOnInbound(t *testing.T) {
	cfg := quietConfig()
	cfg.Middlewares = []middleware.Middleware{middleware.RateLimitMiddleware(0.001, 1)}
	p := newPair(t, true, cfg)
	p.frameCh.ObjectRegistry().Register("calc", &Calc{})

	_, err := call(t, p.hostCh, "Add", "calc", 1, 1)
	require.NoError(t, err)
	_, err = call(t, p.hostCh, "Add", "calc", 1, 1)
	assert.EqualError(t, err, "rate limit exceeded")
}

func TestRemoveChannelRejectsPending(t *testing.T) {
	host := New(quietConfig())
	hostWin, frameWin := transport.NewWindow(hostOrigin), transport.NewWindow(frameOrigin)
	defer hostWin.Close()
	defer frameWin.Close()
	ch := host.AddChannel(hostWin.To(frameWin), frameOrigin)
	p := ch.InvokeRemoteMethod("m", "svc", nil)

	host.RemoveChannel(ch)
	assert.Empty(t, host.Channels())
	_, err := p.Result()
	assert.ErrorIs(t, err, channel.ErrChannelClosed)
}

func TestServeOnce(t *testing.T) {
	m := New(quietConfig())
	win := transport.NewWindow(hostOrigin)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, win) }()
	assert.Eventually(t, func() bool { return m.serving.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Serve(ctx, win), ErrAlreadyServing)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNoiseIsIgnored(t *testing.T) {
	host := New(quietConfig())
	hostWin, frameWin := transport.NewWindow(hostOrigin), transport.NewWindow(frameOrigin)
	defer hostWin.Close()
	defer frameWin.Close()
	ch := host.AddChannel(hostWin.To(frameWin), frameOrigin)
	ch.InvokeRemoteMethod("m", "svc", nil)

	for _, payload := range []string{"", "not json", "[1,2]", "42", "{oops"} {
		host.HandleEnvelope(transport.Envelope{Payload: payload, Source: hostWin.To(frameWin), Origin: frameOrigin})
	}
	assert.Equal(t, 1, ch.Pending())
}

func TestOverConn(t *testing.T) {
	left, right := net.Pipe()
	hostConn := transport.NewConn(left, frameOrigin)
	frameConn := transport.NewConn(right, hostOrigin)

	host, frame := New(quietConfig()), New(quietConfig())
	hostCh := host.AddChannel(hostConn, "")
	frameCh := frame.AddChannel(frameConn, hostOrigin)
	frameCh.ObjectRegistry().Register("calc", &Calc{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go host.Serve(ctx, hostConn)
	go frame.Serve(ctx, frameConn)
	defer hostConn.Close()
	defer frameConn.Close()

	got, err := call(t, hostCh, "Add", "calc", 20, 22)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
	assert.Equal(t, frameOrigin, hostCh.TargetOrigin())
}

func TestOverWebSocket(t *testing.T) {
	frame := New(quietConfig())
	accepted := make(chan *transport.WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.Accept(w, r, hostOrigin)
		if err != nil {
			return
		}
		ch := frame.AddChannel(ws, hostOrigin)
		ch.ObjectRegistry().Register("calc", &Calc{})
		accepted <- ws
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hostWS, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), hostOrigin)
	require.NoError(t, err)
	defer hostWS.Close()
	frameWS := <-accepted
	defer frameWS.Close()

	host := New(quietConfig())
	hostCh := host.AddChannel(hostWS, "")
	go host.Serve(ctx, hostWS)
	go frame.Serve(ctx, frameWS)

	got, err := call(t, hostCh, "Add", "calc", 1.5, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)
	assert.Equal(t, srv.URL, hostCh.TargetOrigin())
}

func TestDebugHTTP(t *testing.T) {
	m := New(quietConfig())
	win := transport.NewWindow(hostOrigin)
	defer win.Close()
	ch := m.AddChannel(win.To(transport.NewWindow(frameOrigin)), frameOrigin)
	ch.ObjectRegistry().Register("calc", &Calc{})
	m.AddChannel(win.To(transport.NewWindow("https://other.example")), "")

	rec := httptest.NewRecorder()
	DebugHTTP{m}.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/rpc", nil))
	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, body, frameOrigin)
	assert.Contains(t, body, "calc")
	assert.Contains(t, body, "(handshake pending)")
}
