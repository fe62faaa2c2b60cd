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

package cli

import (
	"bytes"
	"flag"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/config"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Flags, bool, error) {
	t.Helper()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := SetupFlags(fs)
	var out bytes.Buffer
	exit, err := f.Pre(fs, args, &out)
	return f, exit, err
}

func testConfig(t *testing.T) *config.Instance {
	t.Helper()

	dir := t.TempDir()
	defaults := config.BaseDefaults
	defaults.Storage.Root = filepath.Join(dir, "pool")
	defaults.Storage.DBPath = filepath.Join(dir, "state", "state.db")
	defaults.Storage.LogDir = filepath.Join(dir, "logs")

	cfg, err := config.NewConfigAt(filepath.Join(dir, config.CfgFile), defaults)
	require.NoError(t, err)
	return cfg
}

func TestPre_Defaults(t *testing.T) {
	t.Parallel()

	f, exit, err := parse(t)
	require.NoError(t, err)
	assert.False(t, exit)
	assert.Equal(t, "exec", *f.Service)
	assert.Empty(t, *f.Config)
	assert.False(t, *f.AllowNonRoot)
}

func TestPre_Version(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := SetupFlags(fs)
	var out bytes.Buffer

	exit, err := f.Pre(fs, []string{"-version"}, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Equal(t, "Zaparoo Storage v"+config.AppVersion+"\n", out.String())
}

func TestPre_JoinAndLeaveConflict(t *testing.T) {
	t.Parallel()

	_, exit, err := parse(t, "-join", "U1", "-leave", "U2")
	require.ErrorIs(t, err, ErrConflictingFlags)
	assert.True(t, exit)
}

func TestPre_UnknownFlag(t *testing.T) {
	t.Parallel()

	_, exit, err := parse(t, "-nope")
	require.Error(t, err)
	assert.True(t, exit)
}

func TestPost_NothingToDo(t *testing.T) {
	t.Parallel()

	f, _, err := parse(t, "-service", "status")
	require.NoError(t, err)

	done, err := f.Post(t.Context(), testConfig(t), io.Discard)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestPost_MigrateOnly(t *testing.T) {
	t.Parallel()

	f, _, err := parse(t, "-migrate-only")
	require.NoError(t, err)
	cfg := testConfig(t)

	var out bytes.Buffer
	done, err := f.Post(t.Context(), cfg, &out)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Contains(t, out.String(), cfg.DBPath())
	assert.FileExists(t, cfg.DBPath())
}

func TestPost_JoinUnknownDevice(t *testing.T) {
	t.Parallel()

	f, _, err := parse(t, "-join", "missing")
	require.NoError(t, err)

	done, err := f.Post(t.Context(), testConfig(t), io.Discard)
	assert.True(t, done)
	require.ErrorIs(t, err, database.ErrDeviceNotFound)
}

func TestPost_JoinThenLeave(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	db, err := service.OpenStateDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.UpsertOnDiscovery(t.Context(), "/dev/sdb1", "U1", time.Now()))
	require.NoError(t, db.Close())

	join, _, err := parse(t, "-join", "U1")
	require.NoError(t, err)
	var out bytes.Buffer
	done, err := join.Post(t.Context(), cfg, &out)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "Device U1 joined the pool\n", out.String())

	db, err = service.OpenStateDB(cfg)
	require.NoError(t, err)
	dev, err := db.GetDevice(t.Context(), "U1")
	require.NoError(t, err)
	assert.True(t, dev.Joined)
	require.NoError(t, db.Close())

	leave, _, err := parse(t, "-leave", "U1")
	require.NoError(t, err)
	_, err = leave.Post(t.Context(), cfg, io.Discard)
	require.NoError(t, err)

	db, err = service.OpenStateDB(cfg)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	dev, err = db.GetDevice(t.Context(), "U1")
	require.NoError(t, err)
	assert.False(t, dev.Joined)
}
