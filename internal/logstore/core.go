package logstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/telemetree/internal/event"
)

var droppedEntries = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "logstore_dropped_entries_total",
	Help: "Log entries dropped because the capture queue was full.",
})

func init() {
	prometheus.MustRegister(droppedEntries)
}

// Core is a zapcore.Core that tees log output into the store and onto the
// event bus for the live log stream. Attach it with zap.WrapCore and
// zapcore.NewTee so the primary sink keeps working even if capture lags.
type Core struct {
	zapcore.LevelEnabler
	store  *Store
	bus    *event.Bus
	fields []zapcore.Field

	queue chan Entry
	stop  chan struct{}
	wg    *sync.WaitGroup
}

// NewCore creates a capture core persisting at or above the given level.
// Close releases the background writer.
func NewCore(store *Store, bus *event.Bus, enab zapcore.LevelEnabler) *Core {
	c := &Core{
		LevelEnabler: enab,
		store:        store,
		bus:          bus,
		queue:        make(chan Entry, 256),
		stop:         make(chan struct{}),
		wg:           &sync.WaitGroup{},
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Close stops the background writer after draining queued entries.
func (c *Core) Close() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(clone.fields[:len(clone.fields):len(clone.fields)], fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write queues the entry for persistence and publishes it for live log
// subscribers. A full queue drops the entry rather than blocking the caller.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	e := Entry{
		Timestamp: ent.Time,
		Level:     ent.Level.String(),
		Logger:    ent.LoggerName,
		Message:   ent.Message,
		Fields:    encodeFields(c.fields, fields),
	}

	select {
	case c.queue <- e:
	default:
		droppedEntries.Inc()
	}

	c.bus.PublishAsync(context.Background(), event.Event{
		Topic:     event.TopicLogEntry,
		Source:    "logstore",
		Timestamp: ent.Time,
		Payload:   e,
	})
	return nil
}

func (c *Core) Sync() error { return nil }

// writeLoop persists queued entries. Insert failures are counted as drops;
// logging them here would re-enter the capture path.
func (c *Core) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.queue:
			c.insert(e)
		case <-c.stop:
			for {
				select {
				case e := <-c.queue:
					c.insert(e)
				default:
					return
				}
			}
		}
	}
}

func (c *Core) insert(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Insert(ctx, &e); err != nil {
		droppedEntries.Inc()
	}
}

func encodeFields(base, extra []zapcore.Field) string {
	if len(base)+len(extra) == 0 {
		return ""
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range base {
		f.AddTo(enc)
	}
	for _, f := range extra {
		f.AddTo(enc)
	}
	b, err := json.Marshal(enc.Fields)
	if err != nil {
		return ""
	}
	return string(b)
}
