// Package version exposes build-time version metadata.
package version

import "fmt"

// Set at build time via -ldflags "-X ...".
var (
	Version = "0.1.0"
	Commit  = "dev"
	Date    = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human-readable version line.
func Info() string {
	return fmt.Sprintf("telemetree %s (commit %s, built %s)", Version, Commit, Date)
}

// Map returns version fields for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}
