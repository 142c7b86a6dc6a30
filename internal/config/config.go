// Package config loads server configuration and builds the logger.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file and environment variables.
// Defaults are applied for every key, so a missing config file is not an
// error.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Log store
	v.SetDefault("logstore.path", "./data/telemetree.db")
	v.SetDefault("logstore.retention", "168h")
	v.SetDefault("logstore.maintenance_interval", "1h")

	// Monitoring
	v.SetDefault("monitor.stats_interval", "2s")
	v.SetDefault("monitor.process_limit", 10)

	// Alert thresholds (percent)
	v.SetDefault("alerts.cpu_threshold", 80.0)
	v.SetDefault("alerts.memory_threshold", 90.0)
	v.SetDefault("alerts.disk_threshold", 95.0)

	// WebSocket
	v.SetDefault("ws.send_buffer", 64)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("telemetree")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/telemetree")
	}

	// Environment variable support: TT_SERVER_PORT=9090 overrides
	// server.port. The replacer maps dotted keys onto the underscore form
	// env vars can actually carry.
	v.SetEnvPrefix("TT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
