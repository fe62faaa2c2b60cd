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

// Package metrics holds the Prometheus collectors for the lifecycle
// controller, the selection cache, the HTTP API and the notification broker.
//
// All collector methods are safe to call on a nil receiver, so components
// built without metrics need no special casing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zaparoo_storage"

// Metrics groups every collector set registered against one registry.
type Metrics struct {
	registry *prometheus.Registry
	Mounter  *Mounter
	Selector *Selector
	API      *API
	Broker   *Broker
}

// New registers all collectors on reg. A nil reg creates a fresh registry
// with the Go runtime and process collectors attached.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &Metrics{
		registry: reg,
		Mounter:  newMounter(reg),
		Selector: newSelector(reg),
		API:      newAPI(reg),
		Broker:   newBroker(reg),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
