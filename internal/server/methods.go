package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/telemetree/internal/logstore"
	"github.com/HerbHall/telemetree/internal/monitor"
	"github.com/HerbHall/telemetree/internal/rpc"
	"github.com/HerbHall/telemetree/internal/version"
	"github.com/HerbHall/telemetree/internal/ws"
)

// StatsSource provides metric snapshots and process listings.
type StatsSource interface {
	Snapshot(ctx context.Context) (*monitor.Snapshot, error)
	Processes(ctx context.Context, limit int, sortBy string) ([]monitor.ProcessInfo, error)
}

// LogSource serves historical log queries.
type LogSource interface {
	Query(ctx context.Context, opts logstore.QueryOptions) ([]logstore.Entry, error)
}

// SubscriptionHub manages per-connection event subscriptions.
type SubscriptionHub interface {
	Subscribe(connID, event string) error
	Unsubscribe(connID, event string) (bool, error)
	ClientCount() int
}

// Thresholds are the alert boundaries reported alongside on-demand stats.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Methods holds the JSON-RPC method implementations and their collaborators.
type Methods struct {
	stats      StatsSource
	logs       LogSource
	hub        SubscriptionHub
	thresholds Thresholds
	logger     *zap.Logger
	startTime  time.Time
}

// NewMethods creates the method set.
func NewMethods(stats StatsSource, logs LogSource, hub SubscriptionHub, thresholds Thresholds, logger *zap.Logger) *Methods {
	return &Methods{
		stats:      stats,
		logs:       logs,
		hub:        hub,
		thresholds: thresholds,
		logger:     logger,
		startTime:  time.Now(),
	}
}

// RegisterAll binds every method and subscribable event on the registry.
func (m *Methods) RegisterAll(reg *rpc.Registry) error {
	handlers := map[string]rpc.Handler{
		"ping":             m.handlePing,
		"get_system_stats": m.handleSystemStats,
		"get_processes":    m.handleProcesses,
		"get_logs":         m.handleLogs,
		"get_server_info":  m.serverInfoHandler(reg),
	}
	for _, event := range []string{ws.EventSystemStats, ws.EventAlerts, ws.EventLogs} {
		handlers["subscribe_"+event] = m.subscribeHandler(event)
		handlers["unsubscribe_"+event] = m.unsubscribeHandler(event)
		reg.RegisterSubscription(event)
	}

	for name, h := range handlers {
		if err := reg.Register(name, h); err != nil {
			return fmt.Errorf("register methods: %w", err)
		}
	}
	return nil
}

func (m *Methods) handlePing(_ context.Context, _ rpc.Session, _ json.RawMessage) (any, error) {
	return map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"server":    "telemetree",
	}, nil
}

func (m *Methods) handleSystemStats(ctx context.Context, _ rpc.Session, _ json.RawMessage) (any, error) {
	snap, err := m.stats.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect snapshot: %w", err)
	}
	m.logBreaches(snap)
	return snap, nil
}

// logBreaches records threshold crossings observed during on-demand stats
// requests, so they show up in get_logs even between broadcast ticks.
func (m *Methods) logBreaches(snap *monitor.Snapshot) {
	if snap.CPU.Percent > m.thresholds.CPU {
		m.logger.Warn(fmt.Sprintf("High CPU usage: %.1f%%", snap.CPU.Percent))
	}
	if snap.Memory.Virtual.Percent > m.thresholds.Memory {
		m.logger.Warn(fmt.Sprintf("High memory usage: %.1f%%", snap.Memory.Virtual.Percent))
	}
	for _, d := range snap.Disks {
		if d.Percent > m.thresholds.Disk {
			m.logger.Warn(fmt.Sprintf("High disk usage on %s: %.1f%%", d.Device, d.Percent))
		}
	}
}

func (m *Methods) handleProcesses(ctx context.Context, _ rpc.Session, params json.RawMessage) (any, error) {
	var p struct {
		Limit  int    `json:"limit"`
		SortBy string `json:"sort_by"`
	}
	p.SortBy = "cpu"
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	rows, err := m.stats.Processes(ctx, p.Limit, p.SortBy)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidSort) {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "%s", err)
		}
		return nil, err
	}
	return map[string]any{
		"processes": rows,
		"count":     len(rows),
		"sorted_by": p.SortBy,
	}, nil
}

func (m *Methods) handleLogs(ctx context.Context, _ rpc.Session, params json.RawMessage) (any, error) {
	var p struct {
		Limit     int    `json:"limit"`
		Level     string `json:"level_filter"`
		Search    string `json:"search_term"`
		HoursBack int    `json:"hours_back"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	entries, err := m.logs.Query(ctx, logstore.QueryOptions{
		Limit:     p.Limit,
		Level:     p.Level,
		Search:    p.Search,
		HoursBack: p.HoursBack,
	})
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return map[string]any{
		"logs":  entries,
		"count": len(entries),
	}, nil
}

func (m *Methods) serverInfoHandler(reg *rpc.Registry) rpc.Handler {
	return func(_ context.Context, _ rpc.Session, _ json.RawMessage) (any, error) {
		return map[string]any{
			"name":                    "telemetree",
			"version":                 version.Short(),
			"protocol":                "JSON-RPC 2.0",
			"transport":               "websocket",
			"uptime":                  time.Since(m.startTime).Seconds(),
			"connected_clients":       m.hub.ClientCount(),
			"available_methods":       reg.Methods(),
			"available_subscriptions": reg.Subscriptions(),
			"timestamp":               time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

func (m *Methods) subscribeHandler(event string) rpc.Handler {
	return func(_ context.Context, sess rpc.Session, _ json.RawMessage) (any, error) {
		if err := m.hub.Subscribe(sess.ID(), event); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", event, err)
		}
		return map[string]any{"subscribed": true, "event": event}, nil
	}
}

func (m *Methods) unsubscribeHandler(event string) rpc.Handler {
	return func(_ context.Context, sess rpc.Session, _ json.RawMessage) (any, error) {
		removed, err := m.hub.Unsubscribe(sess.ID(), event)
		if err != nil {
			return nil, fmt.Errorf("unsubscribe %s: %w", event, err)
		}
		return map[string]any{"unsubscribed": removed, "event": event}, nil
	}
}

// unmarshalParams decodes optional request params. Absent or null params keep
// the destination's defaults; malformed params are the caller's fault.
func unmarshalParams(params json.RawMessage, dst any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return rpc.NewError(rpc.CodeInvalidParams, "invalid params: %s", err)
	}
	return nil
}
