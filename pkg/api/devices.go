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

package api

import (
	"net/http"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/mounter"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices, err := s.deps.Devices.ListDevices(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	selectable := make(map[string]struct{})
	for _, u := range s.deps.Selector.Snapshot() {
		selectable[u] = struct{}{}
	}

	resp := models.DevicesResponse{Devices: make([]models.DeviceResponse, 0, len(devices))}
	for i := range devices {
		d := &devices[i]
		_, ok := selectable[d.UUID]
		dr := models.DeviceResponse{
			LastSeen:     d.LastSeen,
			DevNode:      d.DevNode,
			UUID:         d.UUID,
			MountPath:    d.MountPath,
			ID:           d.ID,
			Removed:      d.Removed,
			Joined:       d.Joined,
			MountSuccess: d.MountSuccess,
			Selectable:   ok,
		}

		if s.deps.Usage != nil && d.MountSuccess && !d.Removed && d.MountPath != "" {
			u, err := s.deps.Usage.Usage(ctx, d.MountPath)
			if err != nil {
				log.Debug().Err(err).Str("uuid", d.UUID).Msg("failed to read device usage")
			} else {
				dr.Usage = &models.DeviceUsage{
					Total:       u.Total,
					Free:        u.Free,
					Used:        u.Used,
					UsedPercent: u.UsedPercent,
				}
			}
		}

		resp.Devices = append(resp.Devices, dr)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetJoined(joined bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "uuid")

		err := mounter.Admit(r.Context(), s.deps.Devices, s.deps.Notifications, id, joined)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.deps.Selector.Invalidate()

		writeJSON(w, http.StatusOK, models.JoinedResponse{UUID: id, Joined: joined})
	}
}
