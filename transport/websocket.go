package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket runs the protocol over a websocket connection, one text frame
// per payload. The server side learns the peer's origin from the Origin
// header of the upgrade request; the dialing side uses the origin of the URL
// it dialed.
type WebSocket struct {
	conn         *websocket.Conn
	remoteOrigin string
	sending      sync.Mutex // gorilla allows one concurrent writer

	inbox     chan string
	readErr   error
	closeOnce sync.Once
	done      chan struct{}
}

func NewWebSocket(conn *websocket.Conn, remoteOrigin string) *WebSocket {
	ws := &WebSocket{
		conn:         conn,
		remoteOrigin: remoteOrigin,
		inbox:        make(chan string, 64),
		done:         make(chan struct{}),
	}
	go ws.recvLoop()
	return ws
}

// Accept upgrades an HTTP request. With no allowed origins every origin is
// accepted; otherwise the request's Origin header must match one of them.
func Accept(w http.ResponseWriter, r *http.Request, allowed ...string) (*WebSocket, error) {
	origin := r.Header.Get("Origin")
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			for _, a := range allowed {
				if originMatches(a, origin) {
					return true
				}
			}
			return false
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, origin), nil
}

// Dial connects to rawURL presenting origin as this side's origin.
func Dial(ctx context.Context, rawURL, origin string) (*WebSocket, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, httpOrigin(rawURL)), nil
}

// httpOrigin maps a ws:// or wss:// URL to the origin of the page serving it.
func httpOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.Scheme + "://" + u.Host
}

// HostObject keeps connections out of serialized values.
func (ws *WebSocket) HostObject() {}

func (ws *WebSocket) RemoteOrigin() string { return ws.remoteOrigin }

// PostMessage writes payload as one text frame. A targetOrigin that does not
// match the remote origin drops the payload.
func (ws *WebSocket) PostMessage(payload, targetOrigin string) error {
	if !originMatches(targetOrigin, ws.remoteOrigin) {
		return nil
	}
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}

	ws.sending.Lock()
	defer ws.sending.Unlock()
	return ws.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// Recv returns the next text frame. After the connection ends it returns
// io.EOF for a normal close and the read error otherwise.
func (ws *WebSocket) Recv(ctx context.Context) (Envelope, error) {
	select {
	case payload, ok := <-ws.inbox:
		if !ok {
			return Envelope{}, ws.readErr
		}
		return Envelope{Payload: payload, Source: ws, Origin: ws.remoteOrigin}, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (ws *WebSocket) recvLoop() {
	defer close(ws.inbox)

	for {
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.done:
				ws.readErr = ErrClosed
			default:
				ws.readErr = err
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ws.readErr = io.EOF
				}
			}
			return
		}
		// binary frames are not protocol messages
		if kind != websocket.TextMessage || len(data) == 0 {
			continue
		}
		select {
		case ws.inbox <- string(data):
		case <-ws.done:
			ws.readErr = ErrClosed
			return
		}
	}
}

// Close sends a close frame and closes the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.sending.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteMessage(websocket.CloseMessage, msg)
		ws.sending.Unlock()
		err = ws.conn.Close()
	})
	return err
}
