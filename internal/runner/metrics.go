// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "promptforge"
	runnerSubsystem  = "runner"
)

// Metrics holds the Prometheus instruments the runner emits per iteration.
// Labels are kept low-cardinality: task_class and operator are both
// closed-ish sets (task classes are normalized, operators are the 11-name
// catalog), so neither can explode the series count.
type Metrics struct {
	IterationsTotal    *prometheus.CounterVec
	IterationDuration  *prometheus.HistogramVec
	RewardObserved     *prometheus.HistogramVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// NewMetrics registers a fresh set of runner metrics against reg. Intended
// for tests and for processes that manage their own registry; production
// callers typically want DefaultMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: runnerSubsystem,
				Name:      "iterations_total",
				Help:      "Total iterations by task class, operator, and outcome status.",
			},
			[]string{"task_class", "operator", "status"},
		),
		IterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: runnerSubsystem,
				Name:      "iteration_duration_seconds",
				Help:      "Iteration generation duration in seconds by task class and operator.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"task_class", "operator"},
		),
		RewardObserved: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: runnerSubsystem,
				Name:      "total_reward",
				Help:      "Distribution of total_reward observed per iteration.",
				Buckets:   []float64{-1, -0.5, -0.1, 0, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2},
			},
			[]string{"task_class", "operator"},
		),
	}
}

// DefaultMetrics returns the process-wide runner metrics, registered against
// prometheus.DefaultRegisterer on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
