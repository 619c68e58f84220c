// Package metrics defines the Prometheus collectors for the failover engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivot_probes_total",
			Help: "Total number of host health probes",
		},
		[]string{"host", "result"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pivot_probe_duration_seconds",
			Help:    "Duration of host health probes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 3.0},
		},
		[]string{"host"},
	)

	MonitorFailureStreak = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pivot_monitor_failure_streak",
			Help: "Current count of consecutive failed probes per host",
		},
		[]string{"host"},
	)

	MonitorSignalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pivot_monitor_signals_total",
			Help: "Total number of host failure signals raised by the monitor",
		},
	)
)

// Failover metrics
var (
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivot_failovers_total",
			Help: "Total number of failover cycles by target role and outcome",
		},
		[]string{"role", "outcome"},
	)

	FailoverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pivot_failover_duration_seconds",
			Help:    "Duration of failover cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"role", "outcome"},
	)

	CandidateConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivot_candidate_connects_total",
			Help: "Total number of per-candidate connect attempts during failover",
		},
		[]string{"role", "result"},
	)
)

// Topology metrics
var (
	TopologyRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivot_topology_refreshes_total",
			Help: "Total number of topology refreshes by result",
		},
		[]string{"result"},
	)

	TopologyRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pivot_topology_refresh_duration_seconds",
			Help:    "Duration of topology metadata fetches in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	TopologyHosts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pivot_topology_hosts",
			Help: "Number of hosts in the cached topology snapshot by role",
		},
		[]string{"role"},
	)
)
