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

type Broker struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func newBroker(reg prometheus.Registerer) *Broker {
	return &Broker{
		delivered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_delivered_total",
				Help:      "Total number of notifications delivered to subscribers by method",
			},
			[]string{"method"},
		),
		dropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Total number of notifications dropped on full subscriber channels by method",
			},
			[]string{"method"},
		),
	}
}

func (m *Broker) Delivered(method string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(method).Inc()
}

func (m *Broker) Dropped(method string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(method).Inc()
}
