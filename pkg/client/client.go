// Package client is the consumer-side library for the Telemetree JSON-RPC
// protocol: request correlation over a WebSocket connection, subscription
// callbacks, and automatic reconnection with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors callers branch on.
var (
	// ErrClosed is returned for operations on a client after Close.
	ErrClosed = errors.New("client closed")
	// ErrTimeout rejects a call whose response did not arrive in time.
	ErrTimeout = errors.New("call timed out")
	// ErrDisconnected rejects pending calls when the connection is lost.
	// The request may or may not have executed server-side.
	ErrDisconnected = errors.New("connection lost")
)

// Error is a JSON-RPC error returned by the server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotificationHandler receives the params of one server notification.
type NotificationHandler func(params json.RawMessage)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client is a Telemetree JSON-RPC client. Safe for concurrent use; any number
// of goroutines may issue calls over the one connection, correlated by id.
type Client struct {
	url    string
	dial   dialFunc
	logger *zap.Logger

	callTimeout time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	maxRetries  int

	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     transport
	pending  map[uint64]chan callResult
	subs     map[string]NotificationHandler
	fatalErr error
	closed   bool

	nextID atomic.Uint64
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout sets the default per-call timeout (10s if unset).
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithBackoff sets the reconnect delay base and cap (1s and 30s if unset).
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffCap = cap
	}
}

// WithMaxRetries sets how many consecutive reconnect failures are tolerated
// before the client gives up (5 if unset).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets the client logger (no-op if unset).
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the given WebSocket URL. Connect must be called
// before issuing requests.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		dial:        dialWebSocket,
		logger:      zap.NewNop(),
		callTimeout: 10 * time.Second,
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
		maxRetries:  5,
		pending:     make(map[uint64]chan callResult),
		subs:        make(map[string]NotificationHandler),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the WebSocket connection and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: already %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.url))
	go c.readLoop(conn)
	return nil
}

// Close tears the connection down intentionally. Pending calls are rejected
// with ErrClosed and no reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.rejectPendingLocked(ErrClosed)
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the client gives up permanently: explicit Close or
// exhausted reconnect attempts.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal connectivity error after Done is closed, nil for an
// intentional Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Call invokes a method and waits for the correlated response. The deadline
// is the sooner of ctx and the configured call timeout; on timeout the
// pending entry is purged and a late response is ignored.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	conn := c.conn
	c.mu.Unlock()

	return c.callOn(ctx, conn, method, params)
}

// callOn issues one call over a specific connection. Used directly during
// subscription replay, before the reconnecting client is marked connected.
func (c *Client) callOn(ctx context.Context, conn transport, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	frame, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.write(ctx, conn, frame); err != nil {
		c.purge(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.purge(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a request without an id; the server executes it but sends no
// response.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	conn := c.conn
	c.mu.Unlock()

	frame, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.write(ctx, conn, frame)
}

// Subscribe issues subscribe_<event> and routes matching notifications to fn.
// An active subscription is replayed automatically after a reconnect.
func (c *Client) Subscribe(ctx context.Context, event string, fn NotificationHandler) error {
	if fn == nil {
		return fmt.Errorf("subscribe %s: nil handler", event)
	}

	c.mu.Lock()
	c.subs[event] = fn
	c.mu.Unlock()

	if _, err := c.Call(ctx, "subscribe_"+event, nil); err != nil {
		c.mu.Lock()
		delete(c.subs, event)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe issues unsubscribe_<event> and stops callback routing.
func (c *Client) Unsubscribe(ctx context.Context, event string) error {
	c.mu.Lock()
	delete(c.subs, event)
	c.mu.Unlock()

	_, err := c.Call(ctx, "unsubscribe_"+event, nil)
	return err
}

func (c *Client) write(ctx context.Context, conn transport, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(ctx, frame)
}

func (c *Client) purge(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// rejectPendingLocked fails every in-flight call. Caller holds c.mu.
func (c *Client) rejectPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
}

// readLoop consumes frames until the connection fails, then hands off to the
// reconnect controller unless the loss was intentional.
func (c *Client) readLoop(conn transport) {
	for {
		frame, err := conn.ReadMessage(context.Background())
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	var msg struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("unparsable frame from server", zap.Error(err))
		return
	}

	// Id-less frames are server notifications; route by method name.
	if len(msg.ID) == 0 || string(msg.ID) == "null" {
		c.mu.Lock()
		fn := c.subs[msg.Method]
		c.mu.Unlock()
		if fn == nil {
			c.logger.Debug("notification with no subscription", zap.String("method", msg.Method))
			return
		}
		// Callbacks run off the read loop so a slow consumer cannot stall
		// correlation.
		go fn(msg.Params)
		return
	}

	var id uint64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("response with non-numeric id", zap.ByteString("id", msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		// Late response for a call that already timed out.
		c.logger.Debug("response for unknown id", zap.Uint64("id", id))
		return
	}

	if msg.Error != nil {
		ch <- callResult{err: msg.Error}
		return
	}
	ch <- callResult{result: msg.Result}
}

// handleDisconnect reacts to an unintended connection loss: reject every
// pending call (side effects unknown, never silently retried) and start the
// reconnect controller.
func (c *Client) handleDisconnect(conn transport, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		// Intentional close, or a stale read loop from a replaced connection.
		c.mu.Unlock()
		return
	}
	// A loss during subscription replay is handled by the reconnect loop
	// already running; only a loss from the connected state starts one.
	startLoop := c.state == StateConnected
	c.conn = nil
	c.state = StateReconnecting
	c.rejectPendingLocked(ErrDisconnected)
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("connection lost", zap.Error(cause))
	if startLoop {
		go c.reconnectLoop()
	}
}
