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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilReceivers(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.Nil(t, m.Registry())

	assert.NotPanics(t, func() {
		var mt *Mounter
		mt.ObserveTick(time.Second, nil)
		mt.ObserveEvent("add", nil)
		mt.ObserveMount(true)
		mt.ObserveFormat(nil)
		mt.SetCandidates(3)
		mt.SourceRestarted()

		var s *Selector
		s.ObserveRefresh(1, nil)
		s.ObserveSelection(nil)

		var a *API
		a.ObserveRequest("/upload", http.MethodPost, http.StatusOK, time.Millisecond)
		a.AddUploaded(10)
		a.AddDownloaded(10)

		var b *Broker
		b.Delivered("devices.mounted")
		b.Dropped("devices.mounted")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMounterCollectors(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.Mounter.ObserveTick(50*time.Millisecond, nil)
	m.Mounter.ObserveTick(50*time.Millisecond, errors.New("store down"))
	m.Mounter.ObserveMount(true)
	m.Mounter.ObserveMount(false)
	m.Mounter.ObserveMount(false)
	m.Mounter.SetCandidates(4)
	m.Mounter.ObserveEvent("add", nil)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Mounter.ticks.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Mounter.ticks.WithLabelValues("error")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Mounter.mountAttempts.WithLabelValues("failure")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.Mounter.candidates), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Mounter.events.WithLabelValues("add", "ok")), 0)
}

func TestSelectorRefreshKeepsGaugeOnError(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.Selector.ObserveRefresh(3, nil)
	m.Selector.ObserveRefresh(0, errors.New("boom"))

	assert.InDelta(t, 3, testutil.ToFloat64(m.Selector.usable), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Selector.refreshes.WithLabelValues("error")), 0)
}

func TestAPIBytesIgnoreEmptyTransfers(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.API.AddUploaded(0)
	m.API.AddUploaded(1024)
	m.API.AddDownloaded(-1)

	assert.InDelta(t, 1024, testutil.ToFloat64(m.API.bytes.WithLabelValues("in")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.API.bytes.WithLabelValues("out")), 0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.Broker.Dropped("devices.removed")

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL) //nolint:noctx // test server
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `zaparoo_storage_notifications_dropped_total{method="devices.removed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
