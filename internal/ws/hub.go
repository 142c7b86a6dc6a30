package ws

import (
	"fmt"
	"sync"

	"github.com/HerbHall/telemetree/internal/rpc"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Subscribable event names.
const (
	EventSystemStats = "system_stats"
	EventAlerts      = "alerts"
	EventLogs        = "logs"
)

var (
	wsConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Number of currently connected WebSocket clients.",
	})
	wsSubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_subscriptions_active",
			Help: "Number of active subscriptions per event.",
		},
		[]string{"event"},
	)
	wsNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_notifications_total",
			Help: "Total notifications delivered per event.",
		},
		[]string{"event"},
	)
	wsForcedDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_forced_disconnects_total",
		Help: "Connections dropped because their send buffer overflowed.",
	})
)

func init() {
	prometheus.MustRegister(wsConnectionsActive)
	prometheus.MustRegister(wsSubscriptionsActive)
	prometheus.MustRegister(wsNotificationsTotal)
	prometheus.MustRegister(wsForcedDisconnectsTotal)
}

// Hub tracks live connections and per-(connection, event) subscriptions.
// All map mutation happens behind one mutex; broadcasts iterate over copied
// snapshots so concurrent subscribe/unsubscribe cannot disturb a tick.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	subs   map[string]map[string]*Conn // event -> conn id -> conn
	logger *zap.Logger
}

// NewHub creates a hub with the given subscribable event names.
func NewHub(logger *zap.Logger, events ...string) *Hub {
	subs := make(map[string]map[string]*Conn, len(events))
	for _, ev := range events {
		subs[ev] = make(map[string]*Conn)
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		subs:   subs,
		logger: logger,
	}
}

// Register adds a connection to the registry.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()

	wsConnectionsActive.Inc()
	h.logger.Debug("client connected", zap.String("conn_id", c.ID()))
}

// Unregister removes a connection and cascades removal of all its
// subscriptions. Unknown connections are a no-op, so double teardown is safe.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, known := h.conns[c.ID()]
	if known {
		delete(h.conns, c.ID())
		for ev, set := range h.subs {
			if _, ok := set[c.ID()]; ok {
				delete(set, c.ID())
				wsSubscriptionsActive.WithLabelValues(ev).Dec()
			}
		}
	}
	h.mu.Unlock()

	if known {
		wsConnectionsActive.Dec()
		h.logger.Debug("client disconnected", zap.String("conn_id", c.ID()))
	}
}

// Subscribe records interest in an event. Re-subscribing is idempotent: the
// pair is stored at most once, so no duplicate delivery can occur.
func (h *Hub) Subscribe(connID, event string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[event]
	if !ok {
		return fmt.Errorf("unknown event %q", event)
	}
	conn, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection %q", connID)
	}
	if _, exists := set[connID]; exists {
		return nil
	}
	set[connID] = conn
	wsSubscriptionsActive.WithLabelValues(event).Inc()
	return nil
}

// Unsubscribe removes interest in an event. Reports whether a subscription
// was actually removed; absence is not an error.
func (h *Hub) Unsubscribe(connID, event string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[event]
	if !ok {
		return false, fmt.Errorf("unknown event %q", event)
	}
	if _, exists := set[connID]; !exists {
		return false, nil
	}
	delete(set, connID)
	wsSubscriptionsActive.WithLabelValues(event).Dec()
	return true, nil
}

// Subscribers returns a snapshot of the connections subscribed to an event,
// stable for the duration of one tick.
func (h *Hub) Subscribers(event string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.subs[event]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SubscriberCount returns the number of connections subscribed to an event.
func (h *Hub) SubscriberCount(event string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[event])
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Notify delivers one notification frame to every current subscriber of the
// event.
func (h *Hub) Notify(event string, params any) {
	h.NotifyConns(h.Subscribers(event), event, params)
}

// NotifyConns delivers one notification frame to an explicit recipient set.
// Callers that capture the set before producing the payload (the broadcast
// scheduler does) get a delivery list that is stable for the whole tick: a
// connection subscribing mid-tick is not in it. The frame is encoded once and
// shared across recipients. A connection whose send buffer cannot absorb the
// frame is force-disconnected.
func (h *Hub) NotifyConns(conns []*Conn, event string, params any) {
	if len(conns) == 0 {
		return
	}

	frame, err := rpc.MarshalNotification(event, params)
	if err != nil {
		h.logger.Error("notification marshal failed",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	for _, c := range conns {
		switch err := c.TrySend(frame); err {
		case nil:
			wsNotificationsTotal.WithLabelValues(event).Inc()
		case ErrBufferFull:
			h.logger.Warn("send buffer overflow, dropping connection",
				zap.String("conn_id", c.ID()),
				zap.String("event", event),
			)
			wsForcedDisconnectsTotal.Inc()
			h.Drop(c, websocket.StatusPolicyViolation, "send buffer overflow")
		case ErrConnClosed:
			// Raced with teardown; Unregister handles the bookkeeping.
		}
	}
}

// Drop force-disconnects a connection and removes it from the registry.
func (h *Hub) Drop(c *Conn, code websocket.StatusCode, reason string) {
	c.Close(code, reason)
	h.Unregister(c)
}
