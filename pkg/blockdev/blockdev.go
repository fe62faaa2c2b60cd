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

// Package blockdev wraps the external tools used to identify, format and
// mount pool devices, and the live mount table used to verify the result.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/command"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	DefaultByUUIDDir = "/dev/disk/by-uuid"
	DefaultFSType    = "ext4"

	// blkid exits 2 when the requested tag is not present on the device.
	blkidNoMatch = 2
)

var ErrNotBlockDevice = errors.New("not a block device")

// Prober runs the probes and side effects the lifecycle controller needs.
type Prober interface {
	// LookupUUID reports the filesystem UUID, or false when the device has
	// none yet (unformatted or not settled).
	LookupUUID(ctx context.Context, devnode string) (string, bool)
	HasFilesystem(ctx context.Context, devnode string) (bool, error)
	// Format creates a new filesystem and destroys existing data.
	Format(ctx context.Context, devnode string) error
	Mount(ctx context.Context, devnode, target string) error
	Unmount(ctx context.Context, target string) error
}

// CommandProber implements Prober with blkid, mkfs, mount and umount.
type CommandProber struct {
	exec          command.Executor
	fs            afero.Fs
	isBlockDevice func(path string) bool
	fsType        string
	byUUIDDir     string
}

type ProberOption func(*CommandProber)

// WithFSType selects the filesystem Format creates.
func WithFSType(fsType string) ProberOption {
	return func(p *CommandProber) {
		if fsType != "" {
			p.fsType = fsType
		}
	}
}

// WithFs replaces the filesystem used to create mount targets.
func WithFs(fs afero.Fs) ProberOption {
	return func(p *CommandProber) { p.fs = fs }
}

// WithBlockDeviceCheck replaces the check Format runs before mkfs.
func WithBlockDeviceCheck(fn func(path string) bool) ProberOption {
	return func(p *CommandProber) { p.isBlockDevice = fn }
}

// WithByUUIDDir sets the udev symlink directory consulted when blkid
// cannot report a UUID.
func WithByUUIDDir(dir string) ProberOption {
	return func(p *CommandProber) { p.byUUIDDir = dir }
}

func NewCommandProber(exec command.Executor, opts ...ProberOption) *CommandProber {
	p := &CommandProber{
		exec:          exec,
		fs:            afero.NewOsFs(),
		isBlockDevice: IsBlockDevice,
		fsType:        DefaultFSType,
		byUUIDDir:     DefaultByUUIDDir,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CommandProber) LookupUUID(ctx context.Context, devnode string) (string, bool) {
	out, err := p.exec.Output(ctx, "blkid", "-s", "UUID", "-o", "value", devnode)
	if err == nil && out != "" {
		return out, true
	}
	if err != nil {
		log.Debug().Err(err).Str("devnode", devnode).Msg("blkid uuid probe failed")
	}
	if uuid := p.uuidFromSymlinks(devnode); uuid != "" {
		return uuid, true
	}
	return "", false
}

// uuidFromSymlinks scans the udev by-uuid links for one resolving to
// devnode.
func (p *CommandProber) uuidFromSymlinks(devnode string) string {
	if p.byUUIDDir == "" {
		return ""
	}
	entries, err := os.ReadDir(p.byUUIDDir)
	if err != nil {
		return ""
	}

	want, err := filepath.EvalSymlinks(devnode)
	if err != nil {
		want = devnode
	}
	for _, entry := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(p.byUUIDDir, entry.Name()))
		if err != nil {
			continue
		}
		if target == want {
			return entry.Name()
		}
	}
	return ""
}

func (p *CommandProber) HasFilesystem(ctx context.Context, devnode string) (bool, error) {
	out, err := p.exec.Output(ctx, "blkid", "-s", "TYPE", "-o", "value", devnode)
	if err != nil {
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == blkidNoMatch {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe filesystem on %s: %w", devnode, err)
	}
	return out != "", nil
}

func (p *CommandProber) Format(ctx context.Context, devnode string) error {
	if !p.isBlockDevice(devnode) {
		return fmt.Errorf("refusing to format %s: %w", devnode, ErrNotBlockDevice)
	}
	log.Warn().Str("devnode", devnode).Str("fstype", p.fsType).Msg("creating filesystem")
	if _, err := p.exec.Run(ctx, "mkfs."+p.fsType, "-F", devnode); err != nil {
		return fmt.Errorf("failed to format %s: %w", devnode, err)
	}
	return nil
}

func (p *CommandProber) Mount(ctx context.Context, devnode, target string) error {
	if err := p.fs.MkdirAll(target, 0o750); err != nil {
		return fmt.Errorf("failed to create mount target %s: %w", target, err)
	}
	if _, err := p.exec.Run(ctx, "mount", devnode, target); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", devnode, target, err)
	}
	return nil
}

func (p *CommandProber) Unmount(ctx context.Context, target string) error {
	if _, err := p.exec.Run(ctx, "umount", target); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return nil
}
