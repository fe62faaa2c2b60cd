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

package statedb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func sqlMigrateUp(db *sql.DB) error {
	if err := database.MigrateUp(db, migrationFiles, "migrations"); err != nil {
		return fmt.Errorf("failed to run state database migrations: %w", err)
	}
	return nil
}

func closeStmt(stmt *sql.Stmt) {
	if closeErr := stmt.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("failed to close sql statement")
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Msg("failed to rollback transaction")
	}
}

// sqlUpsertDevice refreshes the record owning uuid, or inserts a new
// unadmitted one. Any other live record still pointing at devnode no longer
// owns it, so it is detached in the same transaction: devnode is cleared and
// it stops being usable, but removed is left alone because no removal was
// observed for it.
func sqlUpsertDevice(ctx context.Context, db *sql.DB, devnode, uuid string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		update devices
		set devnode = '', mount_success = 0
		where devnode = ? and uuid <> ? and removed = 0;
	`, devnode, uuid)
	if err != nil {
		return fmt.Errorf("failed to detach stale devnode owner: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		update devices
		set devnode = ?, removed = 0, last_seen = ?
		where uuid = ?;
	`, devnode, now.Unix(), uuid)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		_, err = tx.ExecContext(ctx, `
			insert into devices(
				devnode, uuid, removed, joined, mount_success, mount_path, last_seen
			) values (?, ?, 0, 0, 0, null, ?);
		`, devnode, uuid, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert device: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return nil
}

func sqlMarkRemoved(ctx context.Context, db *sql.DB, devnode string, now time.Time) (int64, error) {
	stmt, err := db.PrepareContext(ctx, `
		update devices
		set removed = 1, mount_success = 0, last_seen = ?
		where devnode = ? and removed = 0;
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare mark removed statement: %w", err)
	}
	defer closeStmt(stmt)

	res, err := stmt.ExecContext(ctx, now.Unix(), devnode)
	if err != nil {
		return 0, fmt.Errorf("failed to execute mark removed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// sqlRecordMountResult is conditional on the record still being present under
// the same devnode, so a removal that lands mid-tick is never overwritten.
func sqlRecordMountResult(ctx context.Context, db *sql.DB, devnode, mountPath, uuid string) (int64, error) {
	stmt, err := db.PrepareContext(ctx, `
		update devices
		set mount_success = 1, mount_path = ?
		where devnode = ? and uuid = ? and removed = 0;
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare mount result statement: %w", err)
	}
	defer closeStmt(stmt)

	res, err := stmt.ExecContext(ctx, mountPath, devnode, uuid)
	if err != nil {
		return 0, fmt.Errorf("failed to execute mount result update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// sqlClearMountResult marks a record unmounted. It only matches a record
// that is still mounted under the same devnode, so it never races a removal
// or a newer mount result.
func sqlClearMountResult(ctx context.Context, db *sql.DB, devnode, uuid string) (int64, error) {
	stmt, err := db.PrepareContext(ctx, `
		update devices
		set mount_success = 0
		where devnode = ? and uuid = ? and mount_success = 1;
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare clear mount result statement: %w", err)
	}
	defer closeStmt(stmt)

	res, err := stmt.ExecContext(ctx, devnode, uuid)
	if err != nil {
		return 0, fmt.Errorf("failed to execute clear mount result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func sqlSetJoined(ctx context.Context, db *sql.DB, uuid string, joined bool) error {
	stmt, err := db.PrepareContext(ctx, `
		update devices set joined = ? where uuid = ?;
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set joined statement: %w", err)
	}
	defer closeStmt(stmt)

	res, err := stmt.ExecContext(ctx, joined, uuid)
	if err != nil {
		return fmt.Errorf("failed to execute set joined: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return database.ErrDeviceNotFound
	}
	return nil
}

const deviceColumns = `id, devnode, uuid, removed, joined, mount_success, mount_path, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (database.Device, error) {
	var (
		d         database.Device
		uuid      sql.NullString
		mountPath sql.NullString
		lastSeen  int64
	)
	err := row.Scan(
		&d.ID,
		&d.DevNode,
		&uuid,
		&d.Removed,
		&d.Joined,
		&d.MountSuccess,
		&mountPath,
		&lastSeen,
	)
	if err != nil {
		return d, err //nolint:wrapcheck // wrapped by callers
	}
	d.UUID = uuid.String
	d.MountPath = mountPath.String
	d.LastSeen = time.Unix(lastSeen, 0)
	return d, nil
}

func sqlListDevices(ctx context.Context, db *sql.DB, candidatesOnly bool) ([]database.Device, error) {
	q := `select ` + deviceColumns + ` from devices`
	if candidatesOnly {
		q += ` where removed = 0 and joined = 1 and devnode <> ''`
	}
	q += ` order by id;`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close sql rows")
		}
	}()

	list := make([]database.Device, 0, 8)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}
	return list, nil
}

func sqlGetDevice(ctx context.Context, db *sql.DB, uuid string) (*database.Device, error) {
	row := db.QueryRowContext(ctx, `select `+deviceColumns+` from devices where uuid = ?;`, uuid)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrDeviceNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan device row: %w", err)
	}
	return &d, nil
}

func sqlInsertObject(ctx context.Context, db *sql.DB, obj *database.Object) (int64, error) {
	stmt, err := db.PrepareContext(ctx, `
		insert into objects(
			key, filename, content_type, size, path, device_uuid, created_at, deleted
		) values (?, ?, ?, ?, ?, ?, ?, 0);
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare object insert statement: %w", err)
	}
	defer closeStmt(stmt)

	var contentType sql.NullString
	if obj.ContentType != "" {
		contentType = sql.NullString{String: obj.ContentType, Valid: true}
	}
	res, err := stmt.ExecContext(ctx,
		obj.Key,
		obj.Filename,
		contentType,
		obj.Size,
		obj.Path,
		obj.DeviceUUID,
		obj.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to execute object insert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func sqlGetObject(ctx context.Context, db *sql.DB, key string) (*database.Object, error) {
	var (
		obj         database.Object
		contentType sql.NullString
		createdAt   int64
	)
	err := db.QueryRowContext(ctx, `
		select id, key, filename, content_type, size, path, device_uuid, created_at, deleted
		from objects
		where key = ? and deleted = 0;
	`, key).Scan(
		&obj.ID,
		&obj.Key,
		&obj.Filename,
		&contentType,
		&obj.Size,
		&obj.Path,
		&obj.DeviceUUID,
		&createdAt,
		&obj.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrObjectNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan object row: %w", err)
	}
	obj.ContentType = contentType.String
	obj.CreatedAt = time.Unix(createdAt, 0)
	return &obj, nil
}

func sqlSoftDeleteObject(ctx context.Context, db *sql.DB, key string) (int64, error) {
	stmt, err := db.PrepareContext(ctx, `
		update objects set deleted = 1 where key = ? and deleted = 0;
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare soft delete statement: %w", err)
	}
	defer closeStmt(stmt)

	res, err := stmt.ExecContext(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to execute soft delete: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func sqlCountObjectsByDevice(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `
		select device_uuid, count(*) from objects where deleted = 0 group by device_uuid;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query object counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close sql rows")
		}
	}()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			uuid  string
			count int64
		)
		if err := rows.Scan(&uuid, &count); err != nil {
			return nil, fmt.Errorf("failed to scan object count row: %w", err)
		}
		counts[uuid] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate object count rows: %w", err)
	}
	return counts, nil
}
