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
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	udisks2Service        = "org.freedesktop.UDisks2"
	udisks2Path           = "/org/freedesktop/UDisks2"
	udisks2BlockDevices   = "/org/freedesktop/UDisks2/block_devices/"
	udisks2BlockInterface = "org.freedesktop.UDisks2.Block"
	dbusObjectManager     = "org.freedesktop.DBus.ObjectManager"
)

// UDisksSource derives block events from UDisks2 ObjectManager signals. It
// covers hosts where the uevent socket is not reachable but the system bus
// is.
type UDisksSource struct{}

func isUDisksAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Auth(nil); err != nil {
		return false
	}
	if err := conn.Hello(); err != nil {
		return false
	}

	var names []string
	obj := conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false
	}
	for _, name := range names {
		if name == udisks2Service {
			return true
		}
	}
	return false
}

func (*UDisksSource) Run(ctx context.Context, out chan<- Event) error {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Auth(nil); err != nil {
		return fmt.Errorf("failed to authenticate to system D-Bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		return fmt.Errorf("failed to say hello to system D-Bus: %w", err)
	}

	for _, member := range []string{"InterfacesAdded", "InterfacesRemoved"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(udisks2Path),
			dbus.WithMatchInterface(dbusObjectManager),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("failed to add match for %s: %w", member, err)
		}
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok || sig == nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("udisks2 signal channel closed")
			}
			ev, ok := fromSignal(sig)
			if !ok {
				continue
			}
			log.Debug().Str("action", string(ev.Action)).Str("devnode", ev.DevNode).Msg("udisks2 block event")
			if !send(ctx, out, ev) {
				return nil
			}
		}
	}
}

func fromSignal(sig *dbus.Signal) (Event, bool) {
	if len(sig.Body) < 2 {
		return Event{}, false
	}
	objectPath, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || !strings.HasPrefix(string(objectPath), udisks2BlockDevices) {
		return Event{}, false
	}

	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		interfaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return Event{}, false
		}
		props, hasBlock := interfaces[udisks2BlockInterface]
		if !hasBlock {
			return Event{}, false
		}
		devnode := deviceFromProps(props)
		if devnode == "" {
			devnode = devnodeFromObjectPath(objectPath)
		}
		return Event{Action: ActionAdd, DevNode: devnode}, true
	case dbusObjectManager + ".InterfacesRemoved":
		interfaces, ok := sig.Body[1].([]string)
		if !ok {
			return Event{}, false
		}
		for _, iface := range interfaces {
			if iface == udisks2BlockInterface {
				return Event{Action: ActionRemove, DevNode: devnodeFromObjectPath(objectPath)}, true
			}
		}
	}
	return Event{}, false
}

func deviceFromProps(props map[string]dbus.Variant) string {
	v, ok := props["Device"]
	if !ok {
		return ""
	}
	raw, ok := v.Value().([]byte)
	if !ok {
		return ""
	}
	return strings.TrimRight(string(raw), "\x00")
}

// UDisks names block objects after the kernel device, so
// .../block_devices/sdb is /dev/sdb.
func devnodeFromObjectPath(p dbus.ObjectPath) string {
	return "/dev/" + path.Base(string(p))
}
