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

package helpers

import (
	"path/filepath"
	"testing"

	"github.com/ZaparooProject/zaparoo-storage/pkg/database/statedb"
)

// NewInMemoryStateDB opens a migrated state database in a per-test temp
// directory. A file is used instead of :memory: so every pooled connection
// sees the same database.
func NewInMemoryStateDB(t *testing.T) (db *statedb.StateDB, cleanup func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state_test.db")
	db, err := statedb.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.MigrateUp(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("Failed to close database after setup error: %v", closeErr)
		}
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	cleanup = func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close StateDB: %v", err)
		}
	}

	return db, cleanup
}
