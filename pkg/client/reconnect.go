package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// backoffDelay returns min(base * 2^attempt, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// reconnectLoop retries the connection with exponential backoff. The attempt
// counter increments on each failure and resets on success; after maxRetries
// consecutive failures the client becomes permanently disconnected.
func (c *Client) reconnectLoop() {
	attempt := 0
	for {
		delay := backoffDelay(c.backoffBase, c.backoffCap, attempt)
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		if err := c.reconnectOnce(); err != nil {
			attempt++
			c.logger.Warn("reconnect failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt >= c.maxRetries {
				c.giveUp(fmt.Errorf("reconnect: %d consecutive failures: %w", attempt, err))
				return
			}
			continue
		}
		return
	}
}

// reconnectOnce dials, replays every active subscription, and only then
// reports the client connected. A replay failure counts as a failed attempt.
func (c *Client) reconnectOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	events := make([]string, 0, len(c.subs))
	for event := range c.subs {
		events = append(events, event)
	}
	c.mu.Unlock()

	// The read loop must run during replay to deliver the subscribe
	// responses.
	go c.readLoop(conn)

	for _, event := range events {
		if _, err := c.callOn(context.Background(), conn, "subscribe_"+event, nil); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			return fmt.Errorf("replay subscription %s: %w", event, err)
		}
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	c.logger.Info("reconnected", zap.Int("replayed_subscriptions", len(events)))
	return nil
}

// giveUp moves the client to its terminal state.
func (c *Client) giveUp(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	c.fatalErr = err
	c.rejectPendingLocked(ErrDisconnected)
	c.mu.Unlock()

	c.logger.Error("giving up on reconnection", zap.Error(err))
	close(c.done)
}
