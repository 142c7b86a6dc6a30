package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, wantDelay := range want {
		if got := backoffDelay(time.Second, 30*time.Second, attempt); got != wantDelay {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", attempt, got, wantDelay)
		}
	}
}

// TestReconnectReplaysSubscriptions verifies a dropped connection is replaced
// and active subscriptions are re-established before the client reports
// connected.
func TestReconnectReplaysSubscriptions(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()

	var mu sync.Mutex
	dials := 0
	c := New("ws://test/ws", WithBackoff(time.Millisecond, time.Millisecond))
	c.dial = func(ctx context.Context, url string) (transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	first.autoRespond()
	notifications := make(chan json.RawMessage, 4)
	if err := c.Subscribe(context.Background(), "alerts", func(p json.RawMessage) { notifications <- p }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Drop the first connection; the replacement must see the subscription
	// replayed.
	first.Close()

	id, method, _ := second.recvRequest(t)
	if method != "subscribe_alerts" {
		t.Fatalf("replayed method = %q, want subscribe_alerts", method)
	}
	second.sendResult(id, map[string]any{"subscribed": true, "event": "alerts"})

	deadline := time.After(time.Second)
	for c.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatalf("State() = %v, never reached connected", c.State())
		case <-time.After(time.Millisecond):
		}
	}

	// Notifications flow over the new connection.
	second.sendNotification("alerts", map[string]string{"state": "triggered"})
	select {
	case <-notifications:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered after reconnect")
	}
}

// TestReconnectGivesUp verifies the terminal state after the configured
// number of consecutive failures.
func TestReconnectGivesUp(t *testing.T) {
	first := newFakeTransport()

	var mu sync.Mutex
	dials := 0
	c := New("ws://test/ws", WithBackoff(time.Millisecond, time.Millisecond), WithMaxRetries(3))
	c.dial = func(ctx context.Context, url string) (transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	first.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() never closed")
	}

	if c.Err() == nil {
		t.Error("Err() = nil after exhausted retries, want fatal error")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}

	mu.Lock()
	totalDials := dials
	mu.Unlock()
	if totalDials != 4 { // initial connect + 3 failed reconnect attempts
		t.Errorf("dial attempts = %d, want 4", totalDials)
	}

	if _, err := c.Call(context.Background(), "ping", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after terminal disconnect error = %v, want ErrClosed", err)
	}
}

// TestReconnectAttemptCounterResets verifies a successful reconnect clears
// the failure streak: a later drop gets a fresh retry budget.
func TestReconnectAttemptCounterResets(t *testing.T) {
	transports := []*fakeTransport{newFakeTransport(), newFakeTransport(), newFakeTransport()}

	var mu sync.Mutex
	dials := 0
	failNext := 0
	c := New("ws://test/ws", WithBackoff(time.Millisecond, time.Millisecond), WithMaxRetries(2))
	c.dial = func(ctx context.Context, url string) (transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if failNext > 0 {
			failNext--
			return nil, errors.New("connection refused")
		}
		ft := transports[dials]
		dials++
		ft.autoRespond()
		return ft, nil
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	waitConnected := func() {
		t.Helper()
		deadline := time.After(time.Second)
		for c.State() != StateConnected {
			select {
			case <-deadline:
				t.Fatal("never reconnected")
			case <-time.After(time.Millisecond):
			}
		}
	}

	// First drop: one failure, then success. Streak resets.
	mu.Lock()
	failNext = 1
	mu.Unlock()
	transports[0].Close()
	waitConnected()

	// Second drop: one more failure would exceed maxRetries=2 if the streak
	// carried over; it must not.
	mu.Lock()
	failNext = 1
	mu.Unlock()
	transports[1].Close()
	waitConnected()

	select {
	case <-c.Done():
		t.Fatal("client gave up despite streak reset")
	default:
	}
}
