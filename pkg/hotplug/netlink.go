//go:build linux

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

package hotplug

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog/log"
)

// uEventParseErrPrefix marks a monitor error for one malformed uevent. The
// monitor drops that uevent and keeps reading; read and peek failures end it.
const uEventParseErrPrefix = "Unable to parse uevent"

func fatalMonitorError(err error) bool {
	return !strings.HasPrefix(err.Error(), uEventParseErrPrefix)
}

// NetlinkSource listens on the kernel uevent socket for block subsystem
// events.
type NetlinkSource struct {
	conn *netlink.UEventConn
}

func newNetlinkSource() (*NetlinkSource, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connecting to udev netlink: %w", err)
	}
	return &NetlinkSource{conn: conn}, nil
}

func (s *NetlinkSource) Run(ctx context.Context, out chan<- Event) error {
	if s.conn == nil {
		conn := new(netlink.UEventConn)
		if err := conn.Connect(netlink.UdevEvent); err != nil {
			return fmt.Errorf("connecting to udev netlink: %w", err)
		}
		s.conn = conn
	}
	conn := s.conn

	rawCh := make(chan netlink.UEvent, 64)
	errCh := make(chan error, 1)
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": "block"}},
		},
	}
	quit := conn.Monitor(rawCh, errCh, matcher)

	defer func() {
		select {
		case quit <- struct{}{}:
		default:
		}
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close udev netlink socket")
		}
		s.conn = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-rawCh:
			ev, ok := fromUEvent(raw)
			if !ok {
				continue
			}
			if !send(ctx, out, ev) {
				return nil
			}
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			if fatalMonitorError(err) {
				return fmt.Errorf("udev monitor: %w", err)
			}
			log.Warn().Err(err).Msg("skipping malformed uevent")
		}
	}
}

func fromUEvent(raw netlink.UEvent) (Event, bool) {
	var action Action
	switch string(raw.Action) {
	case string(ActionAdd):
		action = ActionAdd
	case string(ActionRemove):
		action = ActionRemove
	default:
		return Event{}, false
	}

	name := raw.Env["DEVNAME"]
	if name == "" {
		return Event{}, false
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join("/dev", name)
	}
	return Event{Action: action, DevNode: name, Env: raw.Env}, true
}
