// Package metrics holds the prometheus collectors shared by the transaction,
// runner, outbox and store packages.
//
// Collectors are package-level so instrumented code can use them without
// plumbing; Register attaches them to a registry.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var TxnResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bagua",
	Subsystem: "txn",
	Name:      "resolutions_total",
	Help:      "Transactions resolved, by outcome (committed, rolled_back, commit_failed).",
}, []string{"outcome"})

var TxnCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bagua",
	Subsystem: "txn",
	Name:      "callbacks_total",
	Help:      "Resolution callbacks invoked, by outcome.",
}, []string{"outcome"})

var TxnTasksLost = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "bagua",
	Subsystem: "txn",
	Name:      "tasks_lost_total",
	Help:      "Deferred tasks the executor refused after a commit.",
})

var RunnerTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bagua",
	Subsystem: "runner",
	Name:      "tasks_total",
	Help:      "Deferred tasks, by result (ok, panicked, dropped).",
}, []string{"result"})

var RunnerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "bagua",
	Subsystem: "runner",
	Name:      "queue_depth",
	Help:      "Deferred tasks waiting to run.",
})

var OutboxMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bagua",
	Subsystem: "outbox",
	Name:      "messages_total",
	Help:      "Outbox messages, by state (written, published, failed).",
}, []string{"state"})

var OutboxPublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bagua",
	Subsystem: "outbox",
	Name:      "publish_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"topic"})

// Collectors returns every package-level collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TxnResolutions,
		TxnCallbacks,
		TxnTasksLost,
		RunnerTasks,
		RunnerQueueDepth,
		OutboxMessages,
		OutboxPublishDuration,
	}
}

// Register registers the package-level collectors plus extra with reg.
// Collectors that are already registered are skipped, so Register may be
// called more than once with the same registry.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	for _, c := range append(Collectors(), extra...) {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
