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
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateDB(t testing.TB) *StateDB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "state_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateUp())
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close state db: %v", err)
		}
	})
	return db
}

func mustDevice(t *testing.T, db *StateDB, uuid string) *database.Device {
	t.Helper()
	d, err := db.GetDevice(context.Background(), uuid)
	require.NoError(t, err)
	return d
}

func TestUpsertOnDiscovery_InsertsUnadmitted(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Unix(1_760_000_000, 0)

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))

	d := mustDevice(t, db, "U1")
	assert.Equal(t, "/dev/sdb", d.DevNode)
	assert.False(t, d.Joined)
	assert.False(t, d.Removed)
	assert.False(t, d.MountSuccess)
	assert.Empty(t, d.MountPath)
	assert.Equal(t, now.Unix(), d.LastSeen.Unix())
}

func TestUpsertOnDiscovery_RejectsEmptyUUID(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)

	err := db.UpsertOnDiscovery(context.Background(), "/dev/sdb", "", time.Now())

	require.ErrorIs(t, err, database.ErrInvalidIdentity)
	devices, err := db.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestUpsertOnDiscovery_Idempotent(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Unix(1_760_000_000, 0)

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))
	once := mustDevice(t, db, "U1")
	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))
	twice := mustDevice(t, db, "U1")

	assert.Equal(t, once, twice)
	devices, err := db.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestUpsertOnDiscovery_ReaddPreservesJoined(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Unix(1_760_000_000, 0)

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))
	require.NoError(t, db.SetJoined(ctx, "U1", true))
	_, err := db.RecordMountResult(ctx, "/dev/sdb", "/mnt/pool/U1", "U1")
	require.NoError(t, err)

	n, err := db.MarkRemoved(ctx, "/dev/sdb", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	removed := mustDevice(t, db, "U1")
	assert.True(t, removed.Removed)
	assert.False(t, removed.MountSuccess)

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdd", "U1", now.Add(2*time.Minute)))

	d := mustDevice(t, db, "U1")
	assert.False(t, d.Removed)
	assert.True(t, d.Joined)
	assert.Equal(t, "/dev/sdd", d.DevNode)
	assert.Equal(t, "/mnt/pool/U1", d.MountPath)
	assert.False(t, d.MountSuccess)
}

func TestUpsertOnDiscovery_DetachesStaleDevnodeOwner(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Unix(1_760_000_000, 0)

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))
	require.NoError(t, db.SetJoined(ctx, "U1", true))
	_, err := db.RecordMountResult(ctx, "/dev/sdb", "/mnt/pool/U1", "U1")
	require.NoError(t, err)

	// U1's removal was never observed; U2 now sits on the same node
	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U2", now.Add(time.Minute)))

	stale := mustDevice(t, db, "U1")
	assert.False(t, stale.Removed, "no removal event was seen for U1")
	assert.False(t, stale.MountSuccess)
	assert.Empty(t, stale.DevNode)
	assert.True(t, stale.Joined)
	assert.False(t, stale.Usable())
	assert.Equal(t, now, stale.LastSeen)

	candidates, err := db.ListMountCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates, "a detached record is never mounted")

	n, err := db.MarkRemoved(ctx, "/dev/sdb", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mustDevice(t, db, "U2").Removed)
	assert.False(t, mustDevice(t, db, "U1").Removed)

	// U1 coming back anywhere reattaches it
	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdc", "U1", now.Add(2*time.Minute)))
	back := mustDevice(t, db, "U1")
	assert.Equal(t, "/dev/sdc", back.DevNode)
	assert.True(t, back.Joined)
}

func TestClearMountResult(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Unix(1_760_000_000, 0)

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))
	require.NoError(t, db.SetJoined(ctx, "U1", true))

	n, err := db.ClearMountResult(ctx, "/dev/sdb", "U1")
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to clear before a mount")

	_, err = db.RecordMountResult(ctx, "/dev/sdb", "/mnt/pool/U1", "U1")
	require.NoError(t, err)

	n, err = db.ClearMountResult(ctx, "/dev/sdc", "U1")
	require.NoError(t, err)
	assert.Zero(t, n, "devnode must match")

	n, err = db.ClearMountResult(ctx, "/dev/sdb", "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	d := mustDevice(t, db, "U1")
	assert.False(t, d.MountSuccess)
	assert.False(t, d.Removed)
	assert.True(t, d.Joined)
	assert.Equal(t, "/mnt/pool/U1", d.MountPath, "the mount path is kept for the remount")

	candidates, err := db.ListMountCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestUpsertOnDiscovery_ConcurrentSameUUID(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- db.UpsertOnDiscovery(ctx, fmt.Sprintf("/dev/sd%c", 'b'+i%3), "U1", time.Now())
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	devices, err := db.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestMarkRemoved_UnknownDevnodeIsNoop(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)

	n, err := db.MarkRemoved(context.Background(), "/dev/sdz", time.Now())

	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListMountCandidates(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "joined", now))
	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdc", "discovered", now))
	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdd", "gone", now))
	require.NoError(t, db.SetJoined(ctx, "joined", true))
	require.NoError(t, db.SetJoined(ctx, "gone", true))
	_, err := db.MarkRemoved(ctx, "/dev/sdd", now)
	require.NoError(t, err)

	candidates, err := db.ListMountCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "joined", candidates[0].UUID)
}

func TestRecordMountResult_DoesNotResurrectRemoved(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", now))
	require.NoError(t, db.SetJoined(ctx, "U1", true))
	_, err := db.MarkRemoved(ctx, "/dev/sdb", now)
	require.NoError(t, err)

	n, err := db.RecordMountResult(ctx, "/dev/sdb", "/mnt/pool/U1", "U1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, mustDevice(t, db, "U1").MountSuccess)
}

func TestRecordMountResult_StaleDevnode(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdc", "U1", time.Now()))

	n, err := db.RecordMountResult(ctx, "/dev/sdb", "/mnt/pool/U1", "U1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetJoined(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", time.Now()))

	require.NoError(t, db.SetJoined(ctx, "U1", true))
	assert.True(t, mustDevice(t, db, "U1").Joined)
	// unchanged value still matches the row
	require.NoError(t, db.SetJoined(ctx, "U1", true))
	require.NoError(t, db.SetJoined(ctx, "U1", false))
	assert.False(t, mustDevice(t, db, "U1").Joined)

	require.ErrorIs(t, db.SetJoined(ctx, "missing", true), database.ErrDeviceNotFound)
	require.ErrorIs(t, db.SetJoined(ctx, "", true), database.ErrInvalidIdentity)
}

func TestObjects_Lifecycle(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	created := time.Unix(1_760_000_000, 0)

	n, err := db.InsertObject(ctx, &database.Object{
		Key:         "k1",
		Filename:    "photo.jpg",
		ContentType: "image/jpeg",
		Size:        42,
		Path:        "/mnt/pool/U1/k1",
		DeviceUUID:  "U1",
		CreatedAt:   created,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	obj, err := db.GetObject(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", obj.Filename)
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.Equal(t, int64(42), obj.Size)
	assert.Equal(t, "U1", obj.DeviceUUID)
	assert.Equal(t, created.Unix(), obj.CreatedAt.Unix())

	counts, err := db.CountObjectsByDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"U1": 1}, counts)

	n, err = db.SoftDeleteObject(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.GetObject(ctx, "k1")
	require.ErrorIs(t, err, database.ErrObjectNotFound)

	n, err = db.SoftDeleteObject(ctx, "k1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestObjects_NoContentType(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()

	_, err := db.InsertObject(ctx, &database.Object{
		Key: "k2", Filename: "blob", Size: 1, Path: "/p", DeviceUUID: "U1", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	obj, err := db.GetObject(ctx, "k2")
	require.NoError(t, err)
	assert.Empty(t, obj.ContentType)
}

func TestObjects_DuplicateKeyIsStoreError(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)
	ctx := context.Background()
	obj := &database.Object{Key: "dup", Filename: "a", Path: "/p", DeviceUUID: "U1", CreatedAt: time.Now()}

	_, err := db.InsertObject(ctx, obj)
	require.NoError(t, err)
	_, err = db.InsertObject(ctx, obj)

	require.ErrorIs(t, err, database.ErrStore)
}

func TestNullSQL(t *testing.T) {
	t.Parallel()
	db := &StateDB{}
	ctx := context.Background()

	require.ErrorIs(t, db.UpsertOnDiscovery(ctx, "/dev/sdb", "U1", time.Now()), database.ErrNullSQL)
	_, err := db.ListMountCandidates(ctx)
	require.ErrorIs(t, err, database.ErrNullSQL)
	_, err = db.GetObject(ctx, "k")
	require.ErrorIs(t, err, database.ErrNullSQL)
	require.NoError(t, db.Close())
}

func TestMigrationVersion(t *testing.T) {
	t.Parallel()
	db := newTestStateDB(t)

	v, err := database.MigrationVersion(db.UnsafeGetSQLDb())
	require.NoError(t, err)
	assert.Equal(t, int64(20260101000000), v)

	// reapplying is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestSetSQLForTesting(t *testing.T) {
	t.Parallel()

	sqlDB, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "inject.db"))
	require.NoError(t, err)
	db := &StateDB{}
	require.NoError(t, db.SetSQLForTesting(sqlDB))
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.UpsertOnDiscovery(context.Background(), "/dev/sdb", "U1", time.Now()))
}
