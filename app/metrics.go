package main

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CommandMetrics tracks per-command counts and latencies, grounded on the
// CounterVec/HistogramVec pair other in-pack servers expose for their
// command handlers. Nil-safe: a handler with no CommandMetrics attached (a
// nil *CommandMetrics) simply skips instrumentation.
type CommandMetrics struct {
	count    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCommandMetrics builds and registers the command counters/histogram
// against reg. Registration failures (e.g. a command run twice against the
// same registry in tests) are ignored; the metrics still record.
func NewCommandMetrics(reg prometheus.Registerer) *CommandMetrics {
	count := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redis",
		Name:      "commands_total",
		Help:      "Number of commands processed, by command name and outcome.",
	}, []string{"command", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "redis",
		Name:      "command_duration_seconds",
		Help:      "Command handling latency in seconds, by command name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	if reg != nil {
		_ = reg.Register(count)
		_ = reg.Register(duration)
	}

	return &CommandMetrics{count: count, duration: duration}
}

// Observe records one command's outcome and latency. err is used only to
// classify outcome as "ok" or "error"; the caller still owns error handling.
func (m *CommandMetrics) Observe(name string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	label := strings.ToUpper(name)
	m.count.WithLabelValues(label, outcome).Inc()
	m.duration.WithLabelValues(label).Observe(time.Since(started).Seconds())
}
