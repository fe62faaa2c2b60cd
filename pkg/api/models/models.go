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

package models

import "encoding/json"

const (
	NotificationDevicesDiscovered = "devices.discovered"
	NotificationDevicesRemoved    = "devices.removed"
	NotificationDevicesMounted    = "devices.mounted"
	NotificationDevicesJoined     = "devices.joined"
	NotificationObjectsStored     = "objects.stored"
	NotificationObjectsDeleted    = "objects.deleted"
)

// Notification is a state change broadcast to subscribers. Params holds the
// JSON encoded payload, if any.
type Notification struct {
	Method string
	Params json.RawMessage
}

type ErrorResponse struct {
	Error string `json:"error"`
}
