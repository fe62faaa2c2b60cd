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

// Package selector picks the shard for each new object from a cached list
// of usable devices. The list is refreshed from the device store at most
// once per TTL, and concurrent callers that find it stale share a single
// refresh.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/ZaparooProject/zaparoo-storage/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoUsableDevice means no device is currently joined, present and
	// mounted. It is transient: callers should retry later.
	ErrNoUsableDevice = errors.New("no usable storage device")
	// ErrRefreshFailed wraps a store failure while refreshing the cached
	// list. Like ErrNoUsableDevice it is worth retrying.
	ErrRefreshFailed = errors.New("device selection unavailable")
)

const (
	refreshKey = "refresh"
	// refreshTimeout bounds a refresh, which no longer follows the context
	// of the caller that started it.
	refreshTimeout = 10 * time.Second
)

type DeviceLister interface {
	ListMountCandidates(ctx context.Context) ([]database.Device, error)
}

type snapshot struct {
	fetchedAt time.Time
	uuids     []string
}

type Cache struct {
	store    DeviceLister
	clock    clockwork.Clock
	metrics  *metrics.Selector
	snapshot atomic.Pointer[snapshot]
	group    singleflight.Group
	ttl      time.Duration
}

type Option func(*Cache)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

func WithMetrics(m *metrics.Selector) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

func New(store DeviceLister, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		ttl:   ttl,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) fresh(s *snapshot) bool {
	return s != nil && len(s.uuids) > 0 && c.clock.Since(s.fetchedAt) < c.ttl
}

// Select returns the uuid of a usable device chosen uniformly at random.
// A stale or empty cache is refreshed first.
func (c *Cache) Select(ctx context.Context) (string, error) {
	s := c.snapshot.Load()
	if !c.fresh(s) {
		var err error
		s, err = c.refresh(ctx)
		if err != nil {
			c.metrics.ObserveSelection(err)
			return "", err
		}
	}

	if len(s.uuids) == 0 {
		c.metrics.ObserveSelection(ErrNoUsableDevice)
		return "", ErrNoUsableDevice
	}

	uuid := s.uuids[rand.IntN(len(s.uuids))] //nolint:gosec // placement, not security
	c.metrics.ObserveSelection(nil)
	return uuid, nil
}

// refresh reloads the list once for every concurrent caller. The flight runs
// detached from ctx so one caller going away cannot fail the others; each
// caller still stops waiting when its own ctx is done.
func (c *Cache) refresh(ctx context.Context) (*snapshot, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// another caller may have refreshed while this one waited
		if s := c.snapshot.Load(); c.fresh(s) {
			return s, nil
		}

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		devices, err := c.store.ListMountCandidates(flightCtx)
		if err != nil {
			c.metrics.ObserveRefresh(0, err)
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}

		uuids := make([]string, 0, len(devices))
		for i := range devices {
			if devices[i].Usable() {
				uuids = append(uuids, devices[i].UUID)
			}
		}

		s := &snapshot{uuids: uuids, fetchedAt: c.clock.Now()}
		c.snapshot.Store(s)
		c.metrics.ObserveRefresh(len(uuids), nil)
		log.Debug().Int("usable", len(uuids)).Msg("refreshed device selection")
		return s, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck // cancellation
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err //nolint:wrapcheck // wrapped inside the flight
	}
	if res.Shared {
		log.Trace().Msg("joined in-flight device selection refresh")
	}
	s, ok := res.Val.(*snapshot)
	if !ok {
		return nil, errors.New("unexpected device selection snapshot type")
	}
	return s, nil
}

// Invalidate drops the cached list so the next Select refreshes.
func (c *Cache) Invalidate() {
	c.snapshot.Store(nil)
}

// Snapshot returns the currently cached uuids without refreshing.
func (c *Cache) Snapshot() []string {
	s := c.snapshot.Load()
	if s == nil {
		return nil
	}
	out := make([]string, len(s.uuids))
	copy(out, s.uuids)
	return out
}
