package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/telemetree/internal/alert"
	"github.com/HerbHall/telemetree/internal/broadcast"
	"github.com/HerbHall/telemetree/internal/config"
	"github.com/HerbHall/telemetree/internal/event"
	"github.com/HerbHall/telemetree/internal/logstore"
	"github.com/HerbHall/telemetree/internal/monitor"
	"github.com/HerbHall/telemetree/internal/rpc"
	"github.com/HerbHall/telemetree/internal/server"
	"github.com/HerbHall/telemetree/internal/version"
	"github.com/HerbHall/telemetree/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Telemetree server starting", zap.String("version", version.Short()))

	if f := cfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the log store.
	dbPath := cfg.GetString("logstore.path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}
	store, err := logstore.Open(ctx, dbPath)
	if err != nil {
		logger.Fatal("failed to open log store", zap.Error(err))
	}
	defer store.Close()
	logger.Info("log store initialized",
		zap.String("component", "logstore"),
		zap.String("path", dbPath),
	)

	// Event bus carrying captured log entries to the WebSocket fan-out.
	bus := event.NewBus(logger.Named("event"))

	// Tee the server's own log output into the store and the live log
	// stream. Component loggers derived below inherit the tee.
	capture := logstore.NewCore(store, bus, zapcore.InfoLevel)
	defer capture.Close()
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, capture)
	}))

	// Metrics collection and alerting.
	collector := monitor.NewCollector(logger.Named("monitor"))
	thresholds := server.Thresholds{
		CPU:    cfg.GetFloat64("alerts.cpu_threshold"),
		Memory: cfg.GetFloat64("alerts.memory_threshold"),
		Disk:   cfg.GetFloat64("alerts.disk_threshold"),
	}
	evaluator := alert.New(
		alert.DefaultRules(thresholds.CPU, thresholds.Memory, thresholds.Disk),
		logger.Named("alert"),
	)

	// Connection hub and JSON-RPC surface.
	hub := ws.NewHub(logger.Named("ws"), ws.EventSystemStats, ws.EventAlerts, ws.EventLogs)
	registry := rpc.NewRegistry()
	methods := server.NewMethods(collector, store, hub, thresholds, logger.Named("rpc"))
	if err := methods.RegisterAll(registry); err != nil {
		logger.Fatal("failed to register methods", zap.Error(err))
	}
	dispatcher := rpc.NewDispatcher(registry, logger.Named("rpc"))
	wsHandler := ws.NewHandler(hub, dispatcher, bus, cfg.GetInt("ws.send_buffer"), logger.Named("ws"))
	logger.Info("websocket handler initialized",
		zap.String("component", "ws"),
		zap.Strings("methods", registry.Methods()),
	)

	// Broadcast loop and log retention.
	scheduler := broadcast.NewScheduler(
		collector, hub, evaluator,
		cfg.GetDuration("monitor.stats_interval"),
		logger.Named("broadcast"),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	maintainer := logstore.NewMaintainer(
		store,
		cfg.GetDuration("logstore.maintenance_interval"),
		cfg.GetDuration("logstore.retention"),
		logger.Named("logstore"),
	)
	maintainer.Start(ctx)
	defer maintainer.Stop()

	// HTTP server.
	addr := fmt.Sprintf("%s:%d", cfg.GetString("server.host"), cfg.GetInt("server.port"))
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return store.Ping(ctx)
	})
	srv := server.New(addr, logger.Named("http"), readyCheck,
		cfg.GetFloat64("server.rate_limit_rps"),
		cfg.GetInt("server.rate_limit_burst"),
		wsHandler,
	)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("Telemetree server ready", zap.String("addr", addr))

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	maintainer.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("Telemetree server stopped")
}
