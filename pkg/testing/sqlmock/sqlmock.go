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

// Package sqlmock builds go-sqlmock connections for store error-path tests.
// It lives apart from helpers so the database packages can import it
// without a cycle.
package sqlmock

import (
	"database/sql"
	"fmt"

	"github.com/DATA-DOG/go-sqlmock"
)

// DeviceColumns matches the column order the state store selects devices in.
var DeviceColumns = []string{
	"id", "devnode", "uuid", "removed", "joined", "mount_success", "mount_path", "last_seen",
}

// NewSQLMock returns a mock connection matching queries by regular
// expression.
func NewSQLMock() (*sql.DB, sqlmock.Sqlmock, error) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sqlmock: %w", err)
	}
	return db, mock, nil
}

// DeviceRows returns an empty row set with the device columns.
func DeviceRows() *sqlmock.Rows {
	return sqlmock.NewRows(DeviceColumns)
}
