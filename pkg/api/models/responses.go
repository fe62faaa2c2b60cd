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

import "time"

type DeviceDiscoveredParams struct {
	DevNode string `json:"devnode"`
	UUID    string `json:"uuid"`
}

type DeviceRemovedParams struct {
	DevNode string `json:"devnode"`
	Records int64  `json:"records"`
}

type DeviceMountedParams struct {
	DevNode   string `json:"devnode"`
	UUID      string `json:"uuid"`
	MountPath string `json:"mountPath"`
}

type DeviceJoinedParams struct {
	UUID   string `json:"uuid"`
	Joined bool   `json:"joined"`
}

type ObjectParams struct {
	Key        string `json:"key"`
	DeviceUUID string `json:"deviceUuid"`
	Size       int64  `json:"size"`
}

type UploadResponse struct {
	Key        string `json:"key"`
	Filename   string `json:"filename"`
	DeviceUUID string `json:"device_uuid"`
	Size       int64  `json:"size"`
}

type DeleteResponse struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

type DeviceUsage struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

type DeviceResponse struct {
	LastSeen     time.Time    `json:"lastSeen"`
	Usage        *DeviceUsage `json:"usage,omitempty"`
	DevNode      string       `json:"devnode"`
	UUID         string       `json:"uuid"`
	MountPath    string       `json:"mountPath,omitempty"`
	ID           int64        `json:"id"`
	Removed      bool         `json:"removed"`
	Joined       bool         `json:"joined"`
	MountSuccess bool         `json:"mountSuccess"`
	Selectable   bool         `json:"selectable"`
}

type DevicesResponse struct {
	Devices []DeviceResponse `json:"devices"`
}

type JoinedResponse struct {
	UUID   string `json:"uuid"`
	Joined bool   `json:"joined"`
}
