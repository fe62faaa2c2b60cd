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

// Package statedb is the SQLite backed device and object metadata store.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	_ "github.com/mattn/go-sqlite3"
)

// Every BeginTx opens an IMMEDIATE transaction so concurrent upserts for the
// same uuid are serialized by SQLite's write lock instead of racing.
const sqliteConnParams = "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate"

type StateDB struct {
	sql  *sql.DB
	path string
}

var (
	_ database.DeviceStore = (*StateDB)(nil)
	_ database.ObjectStore = (*StateDB)(nil)
)

// Open opens (creating if needed) the state database at path. Migrations are
// not applied; call MigrateUp.
func Open(path string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for database: %w", err)
	}
	sqlInstance, err := sql.Open("sqlite3", path+sqliteConnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &StateDB{sql: sqlInstance, path: path}, nil
}

func (db *StateDB) Path() string {
	return db.path
}

func (db *StateDB) UnsafeGetSQLDb() *sql.DB {
	return db.sql
}

func (db *StateDB) MigrateUp() error {
	if db.sql == nil {
		return database.ErrNullSQL
	}
	return sqlMigrateUp(db.sql)
}

func (db *StateDB) Ping(ctx context.Context) error {
	if db.sql == nil {
		return database.ErrNullSQL
	}
	if err := db.sql.PingContext(ctx); err != nil {
		return database.WrapStoreError("ping", err)
	}
	return nil
}

func (db *StateDB) Close() error {
	if db.sql == nil {
		return nil
	}
	err := db.sql.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// SetSQLForTesting injects a connection and applies the schema.
func (db *StateDB) SetSQLForTesting(sqlDB *sql.DB) error {
	db.sql = sqlDB
	return db.MigrateUp()
}

func (db *StateDB) UpsertOnDiscovery(ctx context.Context, devnode, uuid string, now time.Time) error {
	if db.sql == nil {
		return database.ErrNullSQL
	}
	if uuid == "" {
		return database.ErrInvalidIdentity
	}
	return database.WrapStoreError("upsert device", sqlUpsertDevice(ctx, db.sql, devnode, uuid, now))
}

func (db *StateDB) MarkRemoved(ctx context.Context, devnode string, now time.Time) (int64, error) {
	if db.sql == nil {
		return 0, database.ErrNullSQL
	}
	n, err := sqlMarkRemoved(ctx, db.sql, devnode, now)
	return n, database.WrapStoreError("mark device removed", err)
}

func (db *StateDB) ListMountCandidates(ctx context.Context) ([]database.Device, error) {
	if db.sql == nil {
		return nil, database.ErrNullSQL
	}
	devices, err := sqlListDevices(ctx, db.sql, true)
	return devices, database.WrapStoreError("list mount candidates", err)
}

func (db *StateDB) RecordMountResult(ctx context.Context, devnode, mountPath, uuid string) (int64, error) {
	if db.sql == nil {
		return 0, database.ErrNullSQL
	}
	n, err := sqlRecordMountResult(ctx, db.sql, devnode, mountPath, uuid)
	return n, database.WrapStoreError("record mount result", err)
}

func (db *StateDB) ClearMountResult(ctx context.Context, devnode, uuid string) (int64, error) {
	if db.sql == nil {
		return 0, database.ErrNullSQL
	}
	n, err := sqlClearMountResult(ctx, db.sql, devnode, uuid)
	return n, database.WrapStoreError("clear mount result", err)
}

func (db *StateDB) SetJoined(ctx context.Context, uuid string, joined bool) error {
	if db.sql == nil {
		return database.ErrNullSQL
	}
	if uuid == "" {
		return database.ErrInvalidIdentity
	}
	return database.WrapStoreError("set joined", sqlSetJoined(ctx, db.sql, uuid, joined))
}

func (db *StateDB) GetDevice(ctx context.Context, uuid string) (*database.Device, error) {
	if db.sql == nil {
		return nil, database.ErrNullSQL
	}
	d, err := sqlGetDevice(ctx, db.sql, uuid)
	return d, database.WrapStoreError("get device", err)
}

func (db *StateDB) ListDevices(ctx context.Context) ([]database.Device, error) {
	if db.sql == nil {
		return nil, database.ErrNullSQL
	}
	devices, err := sqlListDevices(ctx, db.sql, false)
	return devices, database.WrapStoreError("list devices", err)
}

func (db *StateDB) InsertObject(ctx context.Context, obj *database.Object) (int64, error) {
	if db.sql == nil {
		return 0, database.ErrNullSQL
	}
	n, err := sqlInsertObject(ctx, db.sql, obj)
	return n, database.WrapStoreError("insert object", err)
}

func (db *StateDB) GetObject(ctx context.Context, key string) (*database.Object, error) {
	if db.sql == nil {
		return nil, database.ErrNullSQL
	}
	obj, err := sqlGetObject(ctx, db.sql, key)
	return obj, database.WrapStoreError("get object", err)
}

func (db *StateDB) SoftDeleteObject(ctx context.Context, key string) (int64, error) {
	if db.sql == nil {
		return 0, database.ErrNullSQL
	}
	n, err := sqlSoftDeleteObject(ctx, db.sql, key)
	return n, database.WrapStoreError("soft delete object", err)
}

// CountObjectsByDevice returns live object counts keyed by device uuid.
func (db *StateDB) CountObjectsByDevice(ctx context.Context) (map[string]int64, error) {
	if db.sql == nil {
		return nil, database.ErrNullSQL
	}
	counts, err := sqlCountObjectsByDevice(ctx, db.sql)
	return counts, database.WrapStoreError("count objects", err)
}
