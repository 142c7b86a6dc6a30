// Package alert implements edge-triggered threshold alerting over metric
// snapshots. An alert fires only on the false→true transition of its
// condition and resolves only on true→false; a sustained breach produces no
// repeat events.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/telemetree/internal/monitor"
	"go.uber.org/zap"
)

// Event states.
const (
	StateTriggered = "triggered"
	StateResolved  = "resolved"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Sample is one (instance, value) pair a rule extracted from a snapshot.
// Instance is empty for host-wide rules and the device name for per-disk
// rules.
type Sample struct {
	Instance string
	Value    float64
}

// Rule is a threshold check over snapshots.
type Rule struct {
	Name       string  // event type, e.g. "cpu_high"
	Label      string  // human description used in messages
	Threshold  float64 // fires when value exceeds this
	CriticalAt float64 // severity escalates at this value
	Values     func(*monitor.Snapshot) []Sample
}

// Event is one firing-state transition.
type Event struct {
	Type      string    `json:"type"`
	State     string    `json:"state"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Evaluator runs rules against snapshots and tracks prior firing state per
// (rule, instance) for the lifetime of the process.
type Evaluator struct {
	rules  []Rule
	logger *zap.Logger

	mu     sync.Mutex
	firing map[string]bool // rule name + instance -> currently firing
}

// New creates an evaluator over the given rules.
func New(rules []Rule, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		rules:  rules,
		logger: logger,
		firing: make(map[string]bool),
	}
}

// DefaultRules builds the standard rule set from configured thresholds
// (percent): host CPU, virtual memory, and per-mount disk usage.
func DefaultRules(cpuThreshold, memThreshold, diskThreshold float64) []Rule {
	return []Rule{
		{
			Name:       "cpu_high",
			Label:      "CPU usage",
			Threshold:  cpuThreshold,
			CriticalAt: 95,
			Values: func(s *monitor.Snapshot) []Sample {
				return []Sample{{Value: s.CPU.Percent}}
			},
		},
		{
			Name:       "memory_high",
			Label:      "memory usage",
			Threshold:  memThreshold,
			CriticalAt: 98,
			Values: func(s *monitor.Snapshot) []Sample {
				return []Sample{{Value: s.Memory.Virtual.Percent}}
			},
		},
		{
			Name:       "disk_high",
			Label:      "disk usage",
			Threshold:  diskThreshold,
			CriticalAt: diskThreshold, // any breach is critical
			Values: func(s *monitor.Snapshot) []Sample {
				samples := make([]Sample, 0, len(s.Disks))
				for _, d := range s.Disks {
					samples = append(samples, Sample{Instance: d.Device, Value: d.Percent})
				}
				return samples
			},
		},
	}
}

// Evaluate compares one snapshot against all rules and returns only the
// transitions since the previous evaluation.
func (e *Evaluator) Evaluate(snap *monitor.Snapshot) []Event {
	now := snap.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, rule := range e.rules {
		for _, sample := range rule.Values(snap) {
			key := rule.Name + "\x00" + sample.Instance
			firing := sample.Value > rule.Threshold
			wasFiring := e.firing[key]

			switch {
			case firing && !wasFiring:
				e.firing[key] = true
				ev := e.transition(rule, sample, StateTriggered, now)
				events = append(events, ev)
				e.logger.Warn("alert triggered",
					zap.String("type", ev.Type),
					zap.String("severity", ev.Severity),
					zap.String("device", ev.Device),
					zap.Float64("value", ev.Value),
					zap.Float64("threshold", ev.Threshold),
				)
			case !firing && wasFiring:
				e.firing[key] = false
				ev := e.transition(rule, sample, StateResolved, now)
				events = append(events, ev)
				e.logger.Info("alert resolved",
					zap.String("type", ev.Type),
					zap.String("device", ev.Device),
					zap.Float64("value", ev.Value),
				)
			}
		}
	}
	return events
}

// FiringCount returns how many (rule, instance) pairs are currently firing.
func (e *Evaluator) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, firing := range e.firing {
		if firing {
			n++
		}
	}
	return n
}

func (e *Evaluator) transition(rule Rule, sample Sample, state string, now time.Time) Event {
	ev := Event{
		Type:      rule.Name,
		State:     state,
		Value:     sample.Value,
		Threshold: rule.Threshold,
		Device:    sample.Instance,
		Timestamp: now,
	}
	if state == StateTriggered {
		ev.Severity = SeverityWarning
		if sample.Value >= rule.CriticalAt {
			ev.Severity = SeverityCritical
		}
		if sample.Instance != "" {
			ev.Message = fmt.Sprintf("High %s on %s: %.1f%%", rule.Label, sample.Instance, sample.Value)
		} else {
			ev.Message = fmt.Sprintf("High %s: %.1f%%", rule.Label, sample.Value)
		}
	} else {
		ev.Severity = SeverityInfo
		if sample.Instance != "" {
			ev.Message = fmt.Sprintf("%s on %s back below threshold: %.1f%%", rule.Label, sample.Instance, sample.Value)
		} else {
			ev.Message = fmt.Sprintf("%s back below threshold: %.1f%%", rule.Label, sample.Value)
		}
	}
	return ev
}
