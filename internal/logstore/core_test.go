package logstore

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/telemetree/internal/event"
)

// TestCoreCapturesEntries verifies a logger built on the capture core lands
// its output in the store and on the bus.
func TestCoreCapturesEntries(t *testing.T) {
	s := openTestStore(t)
	bus := event.NewBus(zap.NewNop())

	var published atomic.Int64
	bus.Subscribe(event.TopicLogEntry, func(ctx context.Context, ev event.Event) {
		published.Add(1)
		e, ok := ev.Payload.(Entry)
		if !ok {
			t.Errorf("payload type = %T, want Entry", ev.Payload)
			return
		}
		if e.Message != "stats tick" {
			t.Errorf("published message = %q, want \"stats tick\"", e.Message)
		}
	})

	core := NewCore(s, bus, zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("stats tick", zap.Int("subscribers", 3))
	logger.Debug("ignored by level")

	core.Close() // drains the queue

	entries, err := s.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("captured %d entries, want 1", len(entries))
	}
	if entries[0].Level != "info" || entries[0].Message != "stats tick" {
		t.Errorf("entry = %+v, want info \"stats tick\"", entries[0])
	}
	if !strings.Contains(entries[0].Fields, `"subscribers":3`) {
		t.Errorf("entry fields = %q, want encoded subscribers field", entries[0].Fields)
	}

	deadline := time.After(time.Second)
	for published.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no log entry published on the bus")
		case <-time.After(time.Millisecond):
		}
	}
}

// TestCoreWithFields verifies fields added via With are carried into capture.
func TestCoreWithFields(t *testing.T) {
	s := openTestStore(t)
	core := NewCore(s, event.NewBus(zap.NewNop()), zapcore.InfoLevel)
	logger := zap.New(core).With(zap.String("component", "hub"))

	logger.Warn("send buffer full")
	core.Close()

	entries, err := s.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("captured %d entries, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Fields, `"component":"hub"`) {
		t.Errorf("entry fields = %q, want component field from With", entries[0].Fields)
	}
}

func TestMaintainerSweeps(t *testing.T) {
	s := openTestStore(t)
	insertAt(t, s, time.Now().UTC().Add(-10*24*time.Hour), "info", "ancient")

	m := NewMaintainer(s, time.Hour, 7*24*time.Hour, zap.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	// The first sweep runs immediately on Start.
	deadline := time.After(time.Second)
	for {
		entries, err := s.Query(context.Background(), QueryOptions{HoursBack: 24 * 365})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(entries) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stale entries remain after sweep: %v", entries)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
