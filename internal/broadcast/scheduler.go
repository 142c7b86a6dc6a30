// Package broadcast runs the periodic telemetry loop: collect one snapshot
// per tick, publish it for stats subscribers, and feed the alert evaluator.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/telemetree/internal/alert"
	"github.com/HerbHall/telemetree/internal/monitor"
	"github.com/HerbHall/telemetree/internal/ws"
)

var (
	ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_ticks_total",
		Help: "Broadcast scheduler ticks by outcome.",
	}, []string{"outcome"})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_tick_duration_seconds",
		Help:    "Wall time of one broadcast tick, collection included.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ticksTotal, tickDuration)
}

// Source provides metric snapshots for a tick.
type Source interface {
	Snapshot(ctx context.Context) (*monitor.Snapshot, error)
}

// Notifier provides subscriber snapshots and direct frame delivery for the
// tick loop.
type Notifier interface {
	Subscribers(eventName string) []*ws.Conn
	NotifyConns(conns []*ws.Conn, eventName string, params any)
}

// Scheduler drives the telemetry loop. Each tick takes at most one snapshot,
// shared by the stats stream and the alert evaluator; ticks that would start
// while the previous one is still collecting are skipped, never queued.
type Scheduler struct {
	source    Source
	hub       Notifier
	evaluator *alert.Evaluator
	interval  time.Duration
	logger    *zap.Logger

	inFlight sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a broadcast scheduler. A non-positive interval falls
// back to two seconds.
func NewScheduler(source Source, hub Notifier, evaluator *alert.Evaluator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Scheduler{
		source:    source,
		hub:       hub,
		evaluator: evaluator,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins the broadcast loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop signals the loop to stop and waits for any in-flight tick.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Running reports whether the broadcast loop is active.
func (s *Scheduler) Running() bool {
	return s.ctx != nil && s.ctx.Err() == nil
}

// tick performs one collect-and-publish cycle. Collection is skipped entirely
// when no connection is subscribed to stats or alerts, so an idle server does
// no metric probing.
func (s *Scheduler) tick() {
	if !s.inFlight.TryLock() {
		s.logger.Warn("broadcast tick still in flight, skipping")
		ticksTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer s.inFlight.Unlock()

	// Recipient sets are fixed before collection starts: a connection that
	// subscribes while the snapshot is in flight sees the next tick, not a
	// partial view of this one.
	statsSubs := s.hub.Subscribers(ws.EventSystemStats)
	alertSubs := s.hub.Subscribers(ws.EventAlerts)
	if len(statsSubs) == 0 && len(alertSubs) == 0 {
		ticksTotal.WithLabelValues("idle").Inc()
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.interval)
	defer cancel()

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("snapshot collection failed", zap.Error(err))
		ticksTotal.WithLabelValues("error").Inc()
		return
	}

	s.hub.NotifyConns(statsSubs, ws.EventSystemStats, snap)

	// Alert state advances on every collected tick so that transitions are
	// not lost while only the stats stream has subscribers.
	for _, ev := range s.evaluator.Evaluate(snap) {
		s.hub.NotifyConns(alertSubs, ws.EventAlerts, ev)
	}

	tickDuration.Observe(time.Since(start).Seconds())
	ticksTotal.WithLabelValues("ok").Inc()
}
