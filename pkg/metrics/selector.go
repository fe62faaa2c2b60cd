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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Selector collects selection cache activity.
type Selector struct {
	refreshes  *prometheus.CounterVec
	selections *prometheus.CounterVec
	usable     prometheus.Gauge
}

func newSelector(reg prometheus.Registerer) *Selector {
	return &Selector{
		refreshes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selector_refreshes_total",
				Help:      "Total number of selection cache refreshes by result",
			},
			[]string{"result"},
		),
		selections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selector_selections_total",
				Help:      "Total number of shard selections by result",
			},
			[]string{"result"},
		),
		usable: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "selector_usable_devices",
				Help:      "Number of usable devices in the current selection snapshot",
			},
		),
	}
}

func (m *Selector) ObserveRefresh(usable int, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		m.usable.Set(float64(usable))
	}
}

func (m *Selector) ObserveSelection(err error) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(resultLabel(err)).Inc()
}
