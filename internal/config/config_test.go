package config

import (
	"testing"
	"time"
)

// TestLoadDefaults verifies defaults are applied when no config file exists.
func TestLoadDefaults(t *testing.T) {
	v, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := v.GetInt("server.port"); got != 8765 {
		t.Errorf("server.port = %d, want 8765", got)
	}
	if got := v.GetDuration("monitor.stats_interval"); got != 2*time.Second {
		t.Errorf("monitor.stats_interval = %v, want 2s", got)
	}
	if got := v.GetFloat64("alerts.cpu_threshold"); got != 80.0 {
		t.Errorf("alerts.cpu_threshold = %v, want 80", got)
	}
	if got := v.GetFloat64("alerts.memory_threshold"); got != 90.0 {
		t.Errorf("alerts.memory_threshold = %v, want 90", got)
	}
	if got := v.GetFloat64("alerts.disk_threshold"); got != 95.0 {
		t.Errorf("alerts.disk_threshold = %v, want 95", got)
	}
	if got := v.GetDuration("logstore.retention"); got != 168*time.Hour {
		t.Errorf("logstore.retention = %v, want 168h", got)
	}
	if got := v.GetInt("ws.send_buffer"); got != 64 {
		t.Errorf("ws.send_buffer = %d, want 64", got)
	}
}

// TestLoadEnvOverride verifies TT_-prefixed environment variables override
// dotted config keys.
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TT_SERVER_PORT", "9090")
	t.Setenv("TT_LOGGING_LEVEL", "debug")
	t.Setenv("TT_ALERTS_CPU_THRESHOLD", "70")

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := v.GetInt("server.port"); got != 9090 {
		t.Errorf("server.port = %d, want 9090 from TT_SERVER_PORT", got)
	}
	if got := v.GetString("logging.level"); got != "debug" {
		t.Errorf("logging.level = %q, want \"debug\" from TT_LOGGING_LEVEL", got)
	}
	if got := v.GetFloat64("alerts.cpu_threshold"); got != 70 {
		t.Errorf("alerts.cpu_threshold = %v, want 70 from TT_ALERTS_CPU_THRESHOLD", got)
	}
}

// TestLoadMissingExplicitFile verifies that an explicit but missing config
// path is reported as an error.
func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load("/nonexistent/telemetree.yaml"); err == nil {
		t.Error("Load() with missing explicit file: expected error, got nil")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "defaults", level: "info", format: "json"},
		{name: "console format", level: "debug", format: "console"},
		{name: "empty format falls back to json", level: "warn", format: ""},
		{name: "invalid level", level: "verbose", format: "json", wantErr: true},
		{name: "invalid format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := Load("")
			v.Set("logging.level", tt.level)
			v.Set("logging.format", tt.format)

			logger, err := NewLogger(v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Error("NewLogger() returned nil logger")
			}
		})
	}
}
