//go:build !deadlock

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

// Package syncutil wraps the sync mutexes so lock-order problems between the
// lifecycle controller, selection cache and config can be caught in
// development builds with -tags=deadlock.
package syncutil

import "sync"

// DeadlockEnabled reports whether the detector is compiled in.
const DeadlockEnabled = false

//nolint:gocritic // wrapper type
type Mutex struct {
	sync.Mutex //nolint:forbidigo // this package wraps sync.Mutex
}

//nolint:gocritic // wrapper type
type RWMutex struct {
	sync.RWMutex //nolint:forbidigo // this package wraps sync.RWMutex
}
