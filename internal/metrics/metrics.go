// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BulkMetrics instruments bulk runs. Labels: operation is one of download_links,
// delete, mirror_upload; outcome is succeeded or failed.
type BulkMetrics struct {
	TasksTotal       *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	TasksInFlight    *prometheus.GaugeVec
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ActiveStreams    prometheus.Gauge
	HistoryAppended  prometheus.Counter
	LinkResolveFails prometheus.Counter
}

func NewBulkMetrics(reg prometheus.Registerer) *BulkMetrics {
	factory := promauto.With(reg)

	return &BulkMetrics{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torbox_manager_bulk_tasks_total",
			Help: "Total number of settled bulk tasks by operation and outcome",
		}, []string{"operation", "outcome"}),
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torbox_manager_bulk_attempts_total",
			Help: "Total number of remote call attempts made by bulk tasks",
		}, []string{"operation"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torbox_manager_bulk_retries_total",
			Help: "Total number of retry waits scheduled after transient failures",
		}, []string{"operation"}),
		TasksInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torbox_manager_bulk_tasks_in_flight",
			Help: "Number of bulk tasks currently dispatched",
		}, []string{"operation"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "torbox_manager_bulk_runs_total",
			Help: "Total number of bulk runs by operation and result",
		}, []string{"operation", "result"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torbox_manager_bulk_run_duration_seconds",
			Help:    "Wall time of bulk runs",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "torbox_manager_bulk_active_streams",
			Help: "Number of open mirror upload event streams",
		}),
		HistoryAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "torbox_manager_history_appended_total",
			Help: "Total number of mirror history entries written",
		}),
		LinkResolveFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "torbox_manager_link_resolve_failures_total",
			Help: "Items dropped from a mirror run because their download link could not be resolved",
		}),
	}
}

// ObserveRun records a finished run.
func (m *BulkMetrics) ObserveRun(operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(operation, result).Inc()
	m.RunDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *BulkMetrics) ObserveTask(operation string, success bool, attempts int) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	m.TasksTotal.WithLabelValues(operation, outcome).Inc()
	if attempts > 0 {
		m.AttemptsTotal.WithLabelValues(operation).Add(float64(attempts))
	}
}

func (m *BulkMetrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(operation).Inc()
}

func (m *BulkMetrics) TaskStarted(operation string) {
	if m == nil {
		return
	}
	m.TasksInFlight.WithLabelValues(operation).Inc()
}

func (m *BulkMetrics) TaskFinished(operation string) {
	if m == nil {
		return
	}
	m.TasksInFlight.WithLabelValues(operation).Dec()
}

func (m *BulkMetrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *BulkMetrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *BulkMetrics) HistoryAppendedInc() {
	if m == nil {
		return
	}
	m.HistoryAppended.Inc()
}

func (m *BulkMetrics) LinkResolveFailed() {
	if m == nil {
		return
	}
	m.LinkResolveFails.Inc()
}

// Manager owns the registry exposed by the metrics server.
type Manager struct {
	registry *prometheus.Registry
	Bulk     *BulkMetrics
}

func NewMetricsManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Manager{
		registry: registry,
		Bulk:     NewBulkMetrics(registry),
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
