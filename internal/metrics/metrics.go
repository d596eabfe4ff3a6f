// Package metrics holds the Prometheus collectors for the control plane,
// the runner and the agent.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	logBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "logstream",
			Name:      "batches_total",
			Help:      "Log batches sent by result (ok, failed).",
		}, []string{"result"},
	)
	logItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "logstream",
			Name:      "items_sent_total",
			Help:      "Log items acknowledged by the ingestion endpoint.",
		},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "logstream",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent by result (ok, failed).",
		}, []string{"result"},
	)

	buildTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "pipeline",
			Name:      "build_transitions_total",
			Help:      "Build status transitions by target status.",
		}, []string{"status"},
	)
	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "pipeline",
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by outcome.",
		}, []string{"outcome"},
	)
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandbox",
			Subsystem: "pipeline",
			Name:      "launch_duration_seconds",
			Help:      "Time spent launching a sandbox.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"},
	)
	ingestedItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "ingest",
			Name:      "items_total",
			Help:      "Log items received by target kind.",
		}, []string{"kind"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "agent",
			Name:      "reconcile_runs_total",
			Help:      "Bootstrap reconcile runs by result (ok, failed).",
		}, []string{"result"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "agent",
			Name:      "restarts_total",
			Help:      "Automatic restarts by outcome (restarted, suppressed, failed).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		logBatches, logItems, heartbeats,
		buildTransitions, webhooks, launchDuration, ingestedItems,
		reconcileRuns, restarts,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered collectors are kept so Register can run
			// against the default registry twice.
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func ObserveLogBatch(ok bool, items int) {
	if regOK.Load() {
		logBatches.WithLabelValues(result(ok)).Inc()
		if ok {
			logItems.Add(float64(items))
		}
	}
}

func ObserveHeartbeat(ok bool) {
	if regOK.Load() {
		heartbeats.WithLabelValues(result(ok)).Inc()
	}
}

func IncBuildTransition(status string) {
	if regOK.Load() {
		buildTransitions.WithLabelValues(status).Inc()
	}
}

func IncWebhook(outcome string) {
	if regOK.Load() {
		webhooks.WithLabelValues(outcome).Inc()
	}
}

func ObserveLaunch(kind string, seconds float64) {
	if regOK.Load() {
		launchDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func AddIngested(kind string, n int) {
	if regOK.Load() {
		ingestedItems.WithLabelValues(kind).Add(float64(n))
	}
}

func ObserveReconcile(ok bool) {
	if regOK.Load() {
		reconcileRuns.WithLabelValues(result(ok)).Inc()
	}
}

func IncRestart(outcome string) {
	if regOK.Load() {
		restarts.WithLabelValues(outcome).Inc()
	}
}
