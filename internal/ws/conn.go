// Package ws provides the WebSocket transport: connection lifecycle, the
// hub (connection registry and subscription bookkeeping), and the HTTP
// upgrade handler.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Send queue errors.
var (
	ErrConnClosed = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

const writeTimeout = 5 * time.Second

// Conn is one connected client. Outbound frames go through a bounded send
// queue; a client that cannot absorb output within that bound is
// force-disconnected rather than buffered without limit.
type Conn struct {
	id     string
	sock   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewConn wraps an accepted WebSocket with a bounded send queue.
func NewConn(id string, sock *websocket.Conn, sendBuffer int, logger *zap.Logger) *Conn {
	return &Conn{
		id:     id,
		sock:   sock,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ID returns the connection id. Satisfies rpc.Session.
func (c *Conn) ID() string {
	return c.id
}

// TrySend enqueues a frame without blocking. ErrBufferFull means the client
// is not keeping up and the caller must force-disconnect it.
func (c *Conn) TrySend(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBufferFull
	}
}

// Close shuts the connection down once. Safe to call from any goroutine.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.sock != nil {
			_ = c.sock.Close(code, reason)
		}
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket. Exits when the connection
// closes or a write fails.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.sock.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write error",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
				return
			}
		}
	}
}
