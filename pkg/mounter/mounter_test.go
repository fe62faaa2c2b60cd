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
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/blockdev"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database/statedb"
	"github.com/ZaparooProject/zaparoo-storage/pkg/hotplug"
	"github.com/ZaparooProject/zaparoo-storage/pkg/selector"
	"github.com/ZaparooProject/zaparoo-storage/pkg/storage"
	"github.com/ZaparooProject/zaparoo-storage/pkg/testing/helpers"
	"github.com/ZaparooProject/zaparoo-storage/pkg/testing/mocks"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testRoot = "/mnt/storage_pool"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingInvalidator struct {
	n atomic.Int32
}

func (c *countingInvalidator) Invalidate() {
	c.n.Add(1)
}

type fixture struct {
	store  *statedb.StateDB
	prober *mocks.MockProber
	mounts *mocks.FakeMountTable
	inv    *countingInvalidator
	clock  *clockwork.FakeClock
	ctrl   *Controller
	ns     chan models.Notification
}

func newFixture(t *testing.T, opts Options, extra ...Option) *fixture {
	t.Helper()

	store, cleanup := helpers.NewInMemoryStateDB(t)
	t.Cleanup(cleanup)

	if opts.StorageRoot == "" {
		opts.StorageRoot = testRoot
	}

	f := &fixture{
		store:  store,
		prober: &mocks.MockProber{},
		mounts: mocks.NewFakeMountTable(),
		inv:    &countingInvalidator{},
		clock:  clockwork.NewFakeClockAt(time.Now()),
		ns:     make(chan models.Notification, 32),
	}
	options := append([]Option{
		WithClock(f.clock),
		WithNotifications(f.ns),
		WithInvalidator(f.inv),
	}, extra...)
	f.ctrl = NewController(store, f.prober, f.mounts, opts, options...)
	t.Cleanup(func() { f.prober.AssertExpectations(t) })
	return f
}

func (f *fixture) device(t *testing.T, uuid string) *database.Device {
	t.Helper()
	d, err := f.store.GetDevice(context.Background(), uuid)
	require.NoError(t, err)
	return d
}

// expectMount makes a successful Mount also show up in the mount table.
func (f *fixture) expectMount(devnode, target string) *mock.Call {
	return f.prober.On("Mount", mock.Anything, devnode, target).Return(nil).Run(func(mock.Arguments) {
		f.mounts.Set(devnode, target)
	})
}

func (f *fixture) methods() []string {
	var out []string
	for {
		select {
		case n := <-f.ns:
			out = append(out, n.Method)
		default:
			return out
		}
	}
}

func add(devnode string) hotplug.Event {
	return hotplug.Event{Action: hotplug.ActionAdd, DevNode: devnode}
}

func remove(devnode string) hotplug.Event {
	return hotplug.Event{Action: hotplug.ActionRemove, DevNode: devnode}
}

func TestHandleEvent_UnresolvedUUIDIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.prober.On("LookupUUID", mock.Anything, "/dev/sdb").Return("", false)

	require.NoError(t, f.ctrl.HandleEvent(context.Background(), add("/dev/sdb")))

	devices, err := f.store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Empty(t, f.methods())
}

func TestHandleEvent_UnknownActionIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	err := f.ctrl.HandleEvent(context.Background(), hotplug.Event{Action: "change", DevNode: "/dev/sdb"})
	require.NoError(t, err)
}

func TestScenario_DiscoverAdmitMount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	f.prober.On("LookupUUID", mock.Anything, "/dev/sdb").Return("U1", true)

	require.NoError(t, f.ctrl.HandleEvent(ctx, add("/dev/sdb")))

	d := f.device(t, "U1")
	assert.Equal(t, "/dev/sdb", d.DevNode)
	assert.False(t, d.Joined)
	assert.False(t, d.MountSuccess)

	// not admitted yet: the tick must not touch it
	require.NoError(t, f.ctrl.Reconcile(ctx))
	f.prober.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, Admit(ctx, f.store, f.ns, "U1", true))

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(true, nil)
	f.expectMount("/dev/sdb", filepath.Join(testRoot, "U1"))

	require.NoError(t, f.ctrl.Reconcile(ctx))

	d = f.device(t, "U1")
	assert.True(t, d.Joined)
	assert.True(t, d.MountSuccess)
	assert.Equal(t, "/mnt/storage_pool/U1", d.MountPath)
	assert.Equal(t, int32(1), f.inv.n.Load())
	assert.Equal(t, []string{
		models.NotificationDevicesDiscovered,
		models.NotificationDevicesJoined,
		models.NotificationDevicesMounted,
	}, f.methods())

	// steady state: nothing more to do
	require.NoError(t, f.ctrl.Reconcile(ctx))
	f.prober.AssertNumberOfCalls(t, "Mount", 1)
}

func TestScenario_RemoveMountedDevice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	mountedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("Unmount", mock.Anything, "/mnt/storage_pool/U1").Return(nil)

	require.NoError(t, f.ctrl.HandleEvent(ctx, remove("/dev/sdb")))

	d := f.device(t, "U1")
	assert.True(t, d.Removed)
	assert.False(t, d.MountSuccess)
	assert.True(t, d.Joined)
	assert.Contains(t, f.methods(), models.NotificationDevicesRemoved)

	cache := selector.New(f.store, time.Minute)
	_, err := cache.Select(ctx)
	require.ErrorIs(t, err, selector.ErrNoUsableDevice)
}

func TestScenario_RemoveWithFailedUnmountStillMarksRemoved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	mountedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("Unmount", mock.Anything, "/mnt/storage_pool/U1").Return(errors.New("target is busy"))

	require.NoError(t, f.ctrl.HandleEvent(ctx, remove("/dev/sdb")))
	assert.True(t, f.device(t, "U1").Removed)
}

func TestScenario_ReaddPreservesAdmission(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	mountedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("Unmount", mock.Anything, "/mnt/storage_pool/U1").Return(nil).Run(func(mock.Arguments) {
		f.mounts.Delete("/dev/sdb")
	})
	require.NoError(t, f.ctrl.HandleEvent(ctx, remove("/dev/sdb")))

	// the same disk comes back under a different devnode
	f.prober.On("LookupUUID", mock.Anything, "/dev/sdc").Return("U1", true)
	require.NoError(t, f.ctrl.HandleEvent(ctx, add("/dev/sdc")))

	d := f.device(t, "U1")
	assert.False(t, d.Removed)
	assert.True(t, d.Joined)
	assert.False(t, d.MountSuccess)
	assert.Equal(t, "/dev/sdc", d.DevNode)

	// remounted at the recorded path on the next tick
	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdc").Return(true, nil)
	f.expectMount("/dev/sdc", "/mnt/storage_pool/U1")
	require.NoError(t, f.ctrl.Reconcile(ctx))
	assert.True(t, f.device(t, "U1").MountSuccess)
}

func TestRemove_UnknownDevnode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	require.NoError(t, f.ctrl.HandleEvent(context.Background(), remove("/dev/sdz")))
	assert.Empty(t, f.methods())
	assert.Zero(t, f.inv.n.Load())
}

// mountedDevice drives a device through discovery, admission and a mount.
func mountedDevice(t *testing.T, f *fixture, devnode, uuid string) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.store.UpsertOnDiscovery(ctx, devnode, uuid, now))
	require.NoError(t, f.store.SetJoined(ctx, uuid, true))
	target := filepath.Join(testRoot, uuid)
	rows, err := f.store.RecordMountResult(ctx, devnode, target, uuid)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)
	f.mounts.Set(devnode, target)
}

func admittedDevice(t *testing.T, f *fixture, devnode, uuid string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertOnDiscovery(ctx, devnode, uuid, f.clock.Now()))
	require.NoError(t, f.store.SetJoined(ctx, uuid, true))
}

func TestReconcile_RemountsWhenNoLongerMounted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	mountedDevice(t, f, "/dev/sdb", "U1")
	f.mounts.Delete("/dev/sdb")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(true, nil)
	f.expectMount("/dev/sdb", "/mnt/storage_pool/U1")

	require.NoError(t, f.ctrl.Reconcile(ctx))
	assert.True(t, f.device(t, "U1").MountSuccess)
	assert.Equal(t, int32(2), f.inv.n.Load(), "invalidated once unmounted and once remounted")
}

func TestReconcile_FailedRemountLeavesDeviceUnusable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	mountedDevice(t, f, "/dev/sdb", "U1")
	f.mounts.Delete("/dev/sdb")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(true, nil)
	f.prober.On("Mount", mock.Anything, "/dev/sdb", "/mnt/storage_pool/U1").
		Return(errors.New("device busy")).Once()

	require.NoError(t, f.ctrl.Reconcile(ctx))

	d := f.device(t, "U1")
	assert.False(t, d.MountSuccess)
	assert.False(t, d.Usable())
	assert.True(t, d.Joined)
	assert.False(t, d.Removed)
	assert.Equal(t, "/mnt/storage_pool/U1", d.MountPath)
	assert.Equal(t, int32(1), f.inv.n.Load())

	cache := selector.New(f.store, time.Minute)
	_, err := cache.Select(ctx)
	require.ErrorIs(t, err, selector.ErrNoUsableDevice)

	// back to Mounted on the next successful tick
	f.expectMount("/dev/sdb", "/mnt/storage_pool/U1").Once()
	require.NoError(t, f.ctrl.Reconcile(ctx))
	assert.True(t, f.device(t, "U1").MountSuccess)
}

func TestReconcile_DetachedRecordIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	mountedDevice(t, f, "/dev/sdb", "U1")

	// a different filesystem shows up on the node without U1's removal
	require.NoError(t, f.store.UpsertOnDiscovery(ctx, "/dev/sdb", "U2", f.clock.Now()))

	require.NoError(t, f.ctrl.Reconcile(ctx))

	d := f.device(t, "U1")
	assert.False(t, d.Removed)
	assert.False(t, d.MountSuccess)
	assert.Empty(t, d.DevNode)
	f.prober.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_RemoveDuringMountIsNotOverwritten(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	admittedDevice(t, f, "/dev/sdb", "U1")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(true, nil)
	f.prober.On("Mount", mock.Anything, "/dev/sdb", "/mnt/storage_pool/U1").Return(nil).Run(func(mock.Arguments) {
		close(entered)
		<-release
	})

	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.Reconcile(ctx)
	}()

	<-entered
	require.NoError(t, f.ctrl.HandleEvent(ctx, remove("/dev/sdb")))
	close(release)
	require.NoError(t, <-done)

	d := f.device(t, "U1")
	assert.True(t, d.Removed)
	assert.False(t, d.MountSuccess)
	assert.NotContains(t, f.methods(), models.NotificationDevicesMounted)
}

func TestReconcile_AlreadyMountedIsRecordedWithoutMounting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	admittedDevice(t, f, "/dev/sdb", "U1")
	f.mounts.Set("/dev/sdb", "/mnt/storage_pool/U1")

	require.NoError(t, f.ctrl.Reconcile(ctx))

	d := f.device(t, "U1")
	assert.True(t, d.MountSuccess)
	assert.Equal(t, "/mnt/storage_pool/U1", d.MountPath)
	f.prober.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)
	f.prober.AssertNotCalled(t, "HasFilesystem", mock.Anything, mock.Anything)
}

func TestReconcile_NoFilesystemFormatDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	admittedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(false, nil)

	require.NoError(t, f.ctrl.Reconcile(ctx))

	assert.False(t, f.device(t, "U1").MountSuccess)
	f.prober.AssertNotCalled(t, "Format", mock.Anything, mock.Anything)
	f.prober.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_FormatWhenAllowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{AllowFormat: true})
	admittedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(false, nil)
	f.prober.On("Format", mock.Anything, "/dev/sdb").Return(nil)
	f.prober.On("LookupUUID", mock.Anything, "/dev/sdb").Return("U1", true)
	f.expectMount("/dev/sdb", "/mnt/storage_pool/U1")

	require.NoError(t, f.ctrl.Reconcile(ctx))
	assert.True(t, f.device(t, "U1").MountSuccess)
}

func TestReconcile_FormatRefusedForNonBlockDevice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{AllowFormat: true})
	admittedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(false, nil)
	f.prober.On("Format", mock.Anything, "/dev/sdb").Return(blockdev.ErrNotBlockDevice)

	require.NoError(t, f.ctrl.Reconcile(ctx))
	f.prober.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_FormatWithNewUUIDNeedsAdmission(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{AllowFormat: true})
	admittedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(false, nil)
	f.prober.On("Format", mock.Anything, "/dev/sdb").Return(nil)
	f.prober.On("LookupUUID", mock.Anything, "/dev/sdb").Return("U2", true)

	require.NoError(t, f.ctrl.Reconcile(ctx))

	fresh := f.device(t, "U2")
	assert.False(t, fresh.Joined)
	assert.Equal(t, "/dev/sdb", fresh.DevNode)
	old := f.device(t, "U1")
	assert.Empty(t, old.DevNode, "the old identity no longer owns the devnode")
	assert.False(t, old.Removed)
	f.prober.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_MountFailureRetriedNextTick(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	admittedDevice(t, f, "/dev/sdb", "U1")

	f.prober.On("HasFilesystem", mock.Anything, "/dev/sdb").Return(true, nil)
	f.prober.On("Mount", mock.Anything, "/dev/sdb", "/mnt/storage_pool/U1").
		Return(errors.New("wrong fs type")).Once()

	require.NoError(t, f.ctrl.Reconcile(ctx))
	d := f.device(t, "U1")
	assert.False(t, d.MountSuccess)
	assert.Empty(t, d.MountPath)

	f.expectMount("/dev/sdb", "/mnt/storage_pool/U1").Once()
	require.NoError(t, f.ctrl.Reconcile(ctx))
	assert.True(t, f.device(t, "U1").MountSuccess)
}

func TestReconcile_MountTableErrorSkipsDevice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{})
	admittedDevice(t, f, "/dev/sdb", "U1")
	f.mounts.Err = errors.New("cannot read /proc/self/mounts")

	require.NoError(t, f.ctrl.Reconcile(ctx))
	f.prober.AssertNotCalled(t, "HasFilesystem", mock.Anything, mock.Anything)
}

func TestReconcile_CleansUpPartialUploads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := helpers.NewPoolFS(testRoot)
	store := storage.New(pool.Fs, testRoot)
	f := newFixture(t, Options{PartialMaxAge: time.Hour}, WithPartialCleaner(store))
	mountedDevice(t, f, "/dev/sdb", "U1")

	stale, err := pool.WriteObject("U1", "k1.123.part", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, pool.Age(stale, 2*time.Hour))
	_, err = pool.WriteObject("U1", "k2", []byte("object"))
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Reconcile(ctx))

	assert.Equal(t, []string{"k2"}, pool.ListShard(t, "U1"))
}

type listErrorStore struct {
	database.DeviceStore
	err error
}

func (s listErrorStore) ListMountCandidates(context.Context) ([]database.Device, error) {
	return nil, s.err
}

func TestReconcile_StoreErrorAbortsTick(t *testing.T) {
	t.Parallel()

	storeErr := &database.StoreError{Op: "list", Err: errors.New("database is locked")}
	prober := &mocks.MockProber{}
	ctrl := NewController(listErrorStore{err: storeErr}, prober, mocks.NewFakeMountTable(), Options{})

	err := ctrl.Reconcile(context.Background())
	require.ErrorIs(t, err, database.ErrStore)
	prober.AssertExpectations(t)
}
