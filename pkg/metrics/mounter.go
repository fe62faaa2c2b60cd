// Zaparoo Storage
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Storage.
//
// Zaparoo Storage is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Storage is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Storage.  If not, see <http://www.gnu.org/licenses/>.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mounter collects lifecycle controller activity.
type Mounter struct {
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	events         *prometheus.CounterVec
	mountAttempts  *prometheus.CounterVec
	formats        *prometheus.CounterVec
	candidates     prometheus.Gauge
	sourceRestarts prometheus.Counter
}

func newMounter(reg prometheus.Registerer) *Mounter {
	return &Mounter{
		ticks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_ticks_total",
				Help:      "Total number of reconciliation ticks by result",
			},
			[]string{"result"},
		),
		tickDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_tick_duration_seconds",
				Help:      "Duration of reconciliation ticks in seconds",
				Buckets: []float64{
					0.01, // 10ms
					0.1,  // 100ms
					1,    // 1s
					10,   // 10s
					60,   // 1m
				},
			},
		),
		events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hotplug_events_total",
				Help:      "Total number of hotplug events handled by action and result",
			},
			[]string{"action", "result"},
		),
		mountAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_attempts_total",
				Help:      "Total number of mount attempts by result",
			},
			[]string{"result"},
		),
		formats: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "format_attempts_total",
				Help:      "Total number of filesystem creations by result",
			},
			[]string{"result"},
		),
		candidates: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mount_candidates",
				Help:      "Number of live records seen by the last reconciliation tick",
			},
		),
		sourceRestarts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hotplug_source_restarts_total",
				Help:      "Total number of times the hotplug source was restarted after failing",
			},
		),
	}
}

func (m *Mounter) ObserveTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(resultLabel(err)).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Mounter) ObserveEvent(action string, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(action, resultLabel(err)).Inc()
}

func (m *Mounter) ObserveMount(success bool) {
	if m == nil {
		return
	}
	if success {
		m.mountAttempts.WithLabelValues("success").Inc()
	} else {
		m.mountAttempts.WithLabelValues("failure").Inc()
	}
}

func (m *Mounter) ObserveFormat(err error) {
	if m == nil {
		return
	}
	m.formats.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Mounter) SetCandidates(n int) {
	if m == nil {
		return
	}
	m.candidates.Set(float64(n))
}

func (m *Mounter) SourceRestarted() {
	if m == nil {
		return
	}
	m.sourceRestarts.Inc()
}
