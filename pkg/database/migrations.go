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

package database

import (
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/syncutil"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

var migrationMutex syncutil.Mutex

// gooseZerologAdapter sends goose output to zerolog. Goose prints one line
// per applied version, which is debug noise on every daemon start.
type gooseZerologAdapter struct{}

func (*gooseZerologAdapter) Printf(format string, v ...any) {
	log.Debug().Msgf(strings.TrimSuffix(format, "\n"), v...)
}

func (*gooseZerologAdapter) Fatalf(format string, v ...any) {
	log.Fatal().Msgf(format, v...)
}

// MigrateUp applies every pending migration in migrationDir. Goose keeps its
// filesystem and dialect in package globals, so callers are serialized.
func MigrateUp(db *sql.DB, migrationFiles fs.FS, migrationDir string) error {
	migrationMutex.Lock()
	defer migrationMutex.Unlock()

	goose.SetLogger(&gooseZerologAdapter{})
	goose.SetBaseFS(migrationFiles)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("error setting goose dialect: %w", err)
	}

	log.Debug().Str("migration_dir", migrationDir).Msg("applying state migrations")
	if err := goose.Up(db, migrationDir); err != nil {
		return fmt.Errorf("error running migrations up: %w", err)
	}

	return nil
}

// MigrationVersion returns the highest applied migration version.
func MigrationVersion(db *sql.DB) (int64, error) {
	migrationMutex.Lock()
	defer migrationMutex.Unlock()

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("error setting goose dialect: %w", err)
	}
	v, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("error reading migration version: %w", err)
	}
	return v, nil
}
