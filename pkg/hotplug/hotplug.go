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

// Package hotplug delivers block device add and remove notifications from
// the kernel to the lifecycle controller.
package hotplug

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

var ErrNoSource = errors.New("no hotplug source available")

// Event is a single block device notification. Env carries the raw udev
// properties when the source provides them.
type Event struct {
	Env     map[string]string
	Action  Action
	DevNode string
}

// Source streams events into out until ctx is done (returning nil) or the
// underlying monitor fails (returning an error the caller may retry).
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// Matcher keeps events whose devnode starts with one of the prefixes. An
// empty Matcher accepts everything.
type Matcher struct {
	prefixes []string
}

func NewMatcher(prefixes []string) Matcher {
	return Matcher{prefixes: prefixes}
}

func (m Matcher) Match(ev Event) bool {
	if ev.DevNode == "" {
		return false
	}
	if len(m.prefixes) == 0 {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(ev.DevNode, p) {
			return true
		}
	}
	return false
}

// NewSource picks the kernel netlink monitor when the uevent socket can be
// opened and falls back to UDisks2 over the system bus.
func NewSource() (Source, error) {
	nl, err := newNetlinkSource()
	if err == nil {
		log.Debug().Msg("using udev netlink for hotplug events")
		return nl, nil
	}
	log.Debug().Err(err).Msg("udev netlink unavailable")

	if isUDisksAvailable() {
		log.Debug().Msg("using D-Bus/UDisks2 for hotplug events")
		return &UDisksSource{}, nil
	}
	return nil, ErrNoSource
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
