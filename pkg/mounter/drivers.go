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

package mounter

import (
	"context"
	"errors"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/hotplug"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer    = 64
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var errSourceStopped = errors.New("hotplug source stopped")

// RunEvents feeds events from src into HandleEvent until ctx is done. A
// failing source is restarted with exponential backoff; a failing event is
// logged and never stops the loop.
func (c *Controller) RunEvents(ctx context.Context, src hotplug.Source) error {
	backoff := initialBackoff
	for {
		received, err := c.runSource(ctx, src)
		if ctx.Err() != nil {
			log.Debug().Msg("hotplug event loop stopped")
			return nil
		}
		if err == nil {
			err = errSourceStopped
		}
		if received {
			backoff = initialBackoff
		}

		c.metrics.SourceRestarted()
		log.Error().Err(err).Dur("backoff", backoff).Msg("hotplug source failed, restarting")

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Controller) runSource(ctx context.Context, src hotplug.Source) (received bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan hotplug.Event, eventBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Run(runCtx, events)
	}()

	for {
		select {
		case ev := <-events:
			received = true
			c.dispatch(ctx, ev)
		case err := <-errCh:
			// the source has returned, so whatever is buffered is all there is
			for ctx.Err() == nil {
				select {
				case ev := <-events:
					received = true
					c.dispatch(ctx, ev)
				default:
					return received, err
				}
			}
			return received, err
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ev hotplug.Event) {
	if !c.matcher.Match(ev) {
		log.Trace().Str("devnode", ev.DevNode).Msg("hotplug event filtered out")
		return
	}
	err := c.HandleEvent(ctx, ev)
	c.metrics.ObserveEvent(string(ev.Action), err)
	if err != nil {
		log.Error().Err(err).
			Str("action", string(ev.Action)).
			Str("devnode", ev.DevNode).
			Msg("failed to handle hotplug event")
	}
}

// RunScheduler runs a reconciliation tick immediately and then once per scan
// interval until ctx is done.
func (c *Controller) RunScheduler(ctx context.Context) {
	c.tick(ctx)

	ticker := c.clock.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("reconciliation scheduler stopped")
			return
		case <-ticker.Chan():
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("reconciliation tick failed")
	}
}
