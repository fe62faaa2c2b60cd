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

// Package mounter keeps the device store in line with the block devices the
// OS reports. Two independent drivers share the store: the event path
// records hotplug adds and removes, and the scheduler periodically mounts
// every admitted device that is present but not yet mounted.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/api/notifications"
	"github.com/ZaparooProject/zaparoo-storage/pkg/blockdev"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/ZaparooProject/zaparoo-storage/pkg/hotplug"
	"github.com/ZaparooProject/zaparoo-storage/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const DefaultScanInterval = 30 * time.Second

type Options struct {
	StorageRoot   string
	ScanInterval  time.Duration
	PartialMaxAge time.Duration
	AllowFormat   bool
}

// Invalidator is told whenever the set of usable devices changes.
type Invalidator interface {
	Invalidate()
}

// PartialCleaner removes stale temporary uploads from a mounted shard.
type PartialCleaner interface {
	CleanupPartials(shardKey string, olderThan time.Time) (int, error)
}

type Controller struct {
	store       database.DeviceStore
	prober      blockdev.Prober
	mounts      blockdev.MountTable
	clock       clockwork.Clock
	invalidator Invalidator
	cleaner     PartialCleaner
	ns          chan<- models.Notification
	metrics     *metrics.Mounter
	matcher     hotplug.Matcher
	opts        Options
}

type Option func(*Controller)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithNotifications(ns chan<- models.Notification) Option {
	return func(c *Controller) {
		c.ns = ns
	}
}

func WithMetrics(m *metrics.Mounter) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

func WithInvalidator(inv Invalidator) Option {
	return func(c *Controller) {
		c.invalidator = inv
	}
}

func WithPartialCleaner(pc PartialCleaner) Option {
	return func(c *Controller) {
		c.cleaner = pc
	}
}

// WithMatcher restricts which hotplug events RunEvents handles.
func WithMatcher(m hotplug.Matcher) Option {
	return func(c *Controller) {
		c.matcher = m
	}
}

func NewController(
	store database.DeviceStore,
	prober blockdev.Prober,
	mounts blockdev.MountTable,
	opts Options,
	options ...Option,
) *Controller {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	c := &Controller{
		store:  store,
		prober: prober,
		mounts: mounts,
		clock:  clockwork.NewRealClock(),
		opts:   opts,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Controller) invalidate() {
	if c.invalidator != nil {
		c.invalidator.Invalidate()
	}
}

// TargetPath is where a device is mounted when no path has been recorded
// for it yet.
func (c *Controller) TargetPath(uuid string) string {
	return filepath.Join(c.opts.StorageRoot, uuid)
}

// HandleEvent applies a single hotplug event to the store. Only store
// failures are returned; probe and unmount failures are logged.
func (c *Controller) HandleEvent(ctx context.Context, ev hotplug.Event) error {
	switch ev.Action {
	case hotplug.ActionAdd:
		return c.handleAdd(ctx, ev.DevNode)
	case hotplug.ActionRemove:
		return c.handleRemove(ctx, ev.DevNode)
	default:
		log.Debug().Str("action", string(ev.Action)).Str("devnode", ev.DevNode).Msg("ignoring hotplug event")
		return nil
	}
}

func (c *Controller) handleAdd(ctx context.Context, devnode string) error {
	uuid, ok := c.prober.LookupUUID(ctx, devnode)
	if !ok {
		// not initialized yet, a later add or tick will pick it up
		log.Debug().Str("devnode", devnode).Msg("device has no filesystem uuid yet, skipping")
		return nil
	}

	if err := c.store.UpsertOnDiscovery(ctx, devnode, uuid, c.clock.Now()); err != nil {
		return fmt.Errorf("failed to record discovered device %s: %w", devnode, err)
	}

	log.Info().Str("devnode", devnode).Str("uuid", uuid).Msg("device discovered")
	notifications.DevicesDiscovered(c.ns, models.DeviceDiscoveredParams{
		DevNode: devnode,
		UUID:    uuid,
	})
	return nil
}

func (c *Controller) handleRemove(ctx context.Context, devnode string) error {
	mountPath, mounted, err := c.mounts.MountPoint(ctx, devnode)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("devnode", devnode).Msg("failed to read mount table for removed device")
	case mounted:
		if err := c.prober.Unmount(ctx, mountPath); err != nil {
			log.Warn().Err(err).
				Str("devnode", devnode).
				Str("mount_path", mountPath).
				Msg("failed to unmount removed device")
		} else {
			log.Info().Str("devnode", devnode).Str("mount_path", mountPath).Msg("unmounted removed device")
		}
	}

	rows, err := c.store.MarkRemoved(ctx, devnode, c.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to record removed device %s: %w", devnode, err)
	}
	if rows == 0 {
		log.Debug().Str("devnode", devnode).Msg("removed device had no live record")
		return nil
	}

	c.invalidate()
	log.Info().Str("devnode", devnode).Msg("device removed")
	notifications.DevicesRemoved(c.ns, models.DeviceRemovedParams{
		DevNode: devnode,
		Records: rows,
	})
	return nil
}

// Reconcile runs one reconciliation tick over every mount candidate. A store
// failure while listing aborts the tick; failures for a single device are
// logged and the tick moves on to the next one.
func (c *Controller) Reconcile(ctx context.Context) (err error) {
	start := c.clock.Now()
	defer func() {
		c.metrics.ObserveTick(c.clock.Since(start), err)
	}()

	devices, err := c.store.ListMountCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mount candidates: %w", err)
	}
	c.metrics.SetCandidates(len(devices))

	for i := range devices {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // cancellation
		}
		c.reconcileDevice(ctx, &devices[i])
	}
	return nil
}

func (c *Controller) reconcileDevice(ctx context.Context, d *database.Device) {
	logger := log.With().Str("devnode", d.DevNode).Str("uuid", d.UUID).Logger()

	if d.UUID == "" {
		logger.Warn().Msg("admitted device has no uuid, skipping")
		return
	}
	if d.DevNode == "" {
		logger.Debug().Msg("device no longer owns a devnode, skipping")
		return
	}
	// the store only lists joined devices, the gate is checked again here
	// because it guards a destructive path
	if !d.Joined || d.Removed {
		logger.Debug().Msg("device is not an admitted present device, skipping")
		return
	}

	mountPoint, mounted, err := c.mounts.MountPoint(ctx, d.DevNode)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read mount table")
		return
	}

	if d.MountSuccess && mounted {
		c.cleanupPartials(d.UUID)
		return
	}
	if d.MountSuccess {
		// unmounted behind our back: stop handing it out before the remount,
		// otherwise writes land on the filesystem under the mount point
		c.clearMounted(ctx, d)
	}

	target := d.MountPath
	if target == "" {
		target = c.TargetPath(d.UUID)
	}

	if mounted {
		if mountPoint != target {
			logger.Warn().
				Str("mount_path", mountPoint).
				Str("target", target).
				Msg("device is mounted outside its target path")
		}
		c.recordMounted(ctx, d, mountPoint)
		return
	}

	hasFS, err := c.prober.HasFilesystem(ctx, d.DevNode)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to probe filesystem")
		return
	}
	if !hasFS {
		if !c.opts.AllowFormat {
			logger.Warn().Msg("device has no filesystem and formatting is disabled, skipping")
			return
		}
		if c.format(ctx, d) {
			return
		}
	}

	if err := c.prober.Mount(ctx, d.DevNode, target); err != nil {
		c.metrics.ObserveMount(false)
		logger.Warn().Err(err).Str("target", target).Msg("failed to mount device, will retry")
		return
	}
	c.metrics.ObserveMount(true)
	c.recordMounted(ctx, d, target)
}

// format creates a filesystem on d. It reports true when the device must not
// be mounted this tick, either because formatting failed or because the new
// filesystem carries a different uuid and needs to be admitted again.
func (c *Controller) format(ctx context.Context, d *database.Device) bool {
	logger := log.With().Str("devnode", d.DevNode).Str("uuid", d.UUID).Logger()

	logger.Warn().Msg("formatting device with no filesystem")
	err := c.prober.Format(ctx, d.DevNode)
	c.metrics.ObserveFormat(err)
	if errors.Is(err, blockdev.ErrNotBlockDevice) {
		logger.Warn().Msg("refusing to format a path that is not a block device")
		return true
	} else if err != nil {
		logger.Error().Err(err).Msg("failed to format device")
		return true
	}

	newUUID, ok := c.prober.LookupUUID(ctx, d.DevNode)
	if !ok || newUUID == d.UUID {
		return false
	}

	logger.Warn().Str("new_uuid", newUUID).Msg("formatted device has a new uuid and must be admitted again")
	if err := c.store.UpsertOnDiscovery(ctx, d.DevNode, newUUID, c.clock.Now()); err != nil {
		logger.Error().Err(err).Msg("failed to record formatted device")
		return true
	}
	notifications.DevicesDiscovered(c.ns, models.DeviceDiscoveredParams{
		DevNode: d.DevNode,
		UUID:    newUUID,
	})
	return true
}

func (c *Controller) recordMounted(ctx context.Context, d *database.Device, mountPath string) {
	logger := log.With().Str("devnode", d.DevNode).Str("uuid", d.UUID).Str("mount_path", mountPath).Logger()

	rows, err := c.store.RecordMountResult(ctx, d.DevNode, mountPath, d.UUID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record mount result")
		return
	}
	if rows == 0 {
		logger.Info().Msg("device was removed while mounting, not recording mount")
		return
	}

	c.invalidate()
	logger.Info().Msg("device mounted")
	notifications.DevicesMounted(c.ns, models.DeviceMountedParams{
		DevNode:   d.DevNode,
		UUID:      d.UUID,
		MountPath: mountPath,
	})
	c.cleanupPartials(d.UUID)
}

func (c *Controller) clearMounted(ctx context.Context, d *database.Device) {
	logger := log.With().Str("devnode", d.DevNode).Str("uuid", d.UUID).Logger()

	rows, err := c.store.ClearMountResult(ctx, d.DevNode, d.UUID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to clear mount result")
		return
	}
	if rows > 0 {
		logger.Warn().Msg("device is no longer mounted")
		c.invalidate()
	}
}

func (c *Controller) cleanupPartials(uuid string) {
	if c.cleaner == nil || c.opts.PartialMaxAge <= 0 {
		return
	}
	if _, err := c.cleaner.CleanupPartials(uuid, c.clock.Now().Add(-c.opts.PartialMaxAge)); err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Msg("failed to clean up partial uploads")
	}
}
