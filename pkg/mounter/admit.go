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
	"fmt"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/api/notifications"
	"github.com/rs/zerolog/log"
)

type JoinSetter interface {
	SetJoined(ctx context.Context, uuid string, joined bool) error
}

// Admit opens or closes the admission gate for a device. Discovery never
// admits a device on its own; this is the only way a device becomes eligible
// for mounting.
func Admit(ctx context.Context, store JoinSetter, ns chan<- models.Notification, uuid string, joined bool) error {
	if err := store.SetJoined(ctx, uuid, joined); err != nil {
		return fmt.Errorf("failed to set joined=%t for %s: %w", joined, uuid, err)
	}

	log.Info().Str("uuid", uuid).Bool("joined", joined).Msg("device admission changed")
	notifications.DevicesJoined(ns, models.DeviceJoinedParams{UUID: uuid, Joined: joined})
	return nil
}
