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

package notifications

import (
	"encoding/json"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/rs/zerolog/log"
)

// sendNotification never blocks. A full or nil channel drops the
// notification.
func sendNotification(ns chan<- models.Notification, method string, payload any) {
	if ns == nil {
		return
	}

	var params json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("method", method).Msg("error marshalling notification params")
			return
		}
		params = b
	}

	select {
	case ns <- models.Notification{Method: method, Params: params}:
	default:
		log.Warn().Str("method", method).Msg("notification channel full, dropping notification")
	}
}

func DevicesDiscovered(ns chan<- models.Notification, payload models.DeviceDiscoveredParams) {
	sendNotification(ns, models.NotificationDevicesDiscovered, payload)
}

func DevicesRemoved(ns chan<- models.Notification, payload models.DeviceRemovedParams) {
	sendNotification(ns, models.NotificationDevicesRemoved, payload)
}

func DevicesMounted(ns chan<- models.Notification, payload models.DeviceMountedParams) {
	sendNotification(ns, models.NotificationDevicesMounted, payload)
}

func DevicesJoined(ns chan<- models.Notification, payload models.DeviceJoinedParams) {
	sendNotification(ns, models.NotificationDevicesJoined, payload)
}

func ObjectsStored(ns chan<- models.Notification, payload models.ObjectParams) {
	sendNotification(ns, models.NotificationObjectsStored, payload)
}

func ObjectsDeleted(ns chan<- models.Notification, payload models.ObjectParams) {
	sendNotification(ns, models.NotificationObjectsDeleted, payload)
}
