package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrPayloadNewline rejects payloads that would break line framing. Compact
// JSON never contains a raw newline.
var ErrPayloadNewline = errors.New("transport: payload contains a newline")

// Conn runs the protocol over a byte stream such as a pipe or a socket. Each
// payload is written as one line. The peer's origin cannot be observed on a
// stream, so it is declared when the Conn is created.
//
// A background goroutine (recvLoop) reads lines into a buffered inbox so
// Recv can honour its context.
type Conn struct {
	rwc          io.ReadWriteCloser
	remoteOrigin string
	sending      sync.Mutex // one payload per line, writes must not interleave

	inbox     chan string
	readErr   error
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(rwc io.ReadWriteCloser, remoteOrigin string) *Conn {
	c := &Conn{
		rwc:          rwc,
		remoteOrigin: remoteOrigin,
		inbox:        make(chan string, 64),
		done:         make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// HostObject keeps connections out of serialized values.
func (c *Conn) HostObject() {}

func (c *Conn) RemoteOrigin() string { return c.remoteOrigin }

// PostMessage writes payload as one line. A targetOrigin that does not match
// the declared remote origin drops the payload.
func (c *Conn) PostMessage(payload, targetOrigin string) error {
	if strings.ContainsAny(payload, "\r\n") {
		return ErrPayloadNewline
	}
	if !originMatches(targetOrigin, c.remoteOrigin) {
		return nil
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	if _, err := io.WriteString(c.rwc, payload+"\n"); err != nil {
		return err
	}
	return nil
}

// Recv returns the next line read from the stream. After the stream ends it
// returns the read error, io.EOF for a clean close.
func (c *Conn) Recv(ctx context.Context) (Envelope, error) {
	select {
	case line, ok := <-c.inbox:
		if !ok {
			return Envelope{}, c.readErr
		}
		return Envelope{Payload: line, Source: c, Origin: c.remoteOrigin}, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// recvLoop is the only reader of the stream; line boundaries are only
// meaningful to a single sequential reader.
func (c *Conn) recvLoop() {
	defer close(c.inbox)

	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case c.inbox <- line:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
	c.readErr = scanner.Err()
	if c.readErr == nil {
		c.readErr = io.EOF
	}
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}
