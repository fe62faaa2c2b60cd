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

package blockdev

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// MountTable answers questions about the live OS mount table.
type MountTable interface {
	// MountPoint returns where devnode is mounted, if anywhere.
	MountPoint(ctx context.Context, devnode string) (string, bool, error)
}

type Usage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// SystemMountTable reads mounts and usage through gopsutil.
type SystemMountTable struct {
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	resolve    func(path string) (string, error)
}

func NewSystemMountTable() *SystemMountTable {
	return &SystemMountTable{
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
		resolve:    filepath.EvalSymlinks,
	}
}

// MountPoint matches on the exact device path. Mount sources given as udev
// symlinks (e.g. /dev/disk/by-uuid/...) are resolved first.
func (t *SystemMountTable) MountPoint(ctx context.Context, devnode string) (string, bool, error) {
	parts, err := t.partitions(ctx, true)
	if err != nil {
		return "", false, fmt.Errorf("failed to read mount table: %w", err)
	}
	for _, p := range parts {
		dev := p.Device
		if strings.HasPrefix(dev, "/dev/disk/") || strings.HasPrefix(dev, "/dev/mapper/") {
			if resolved, err := t.resolve(dev); err == nil {
				dev = resolved
			}
		}
		if dev == devnode {
			return p.Mountpoint, true, nil
		}
	}
	return "", false, nil
}

func (t *SystemMountTable) Usage(ctx context.Context, path string) (*Usage, error) {
	u, err := t.usage(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage for %s: %w", path, err)
	}
	return &Usage{
		Path:        u.Path,
		Total:       u.Total,
		Free:        u.Free,
		Used:        u.Used,
		UsedPercent: u.UsedPercent,
	}, nil
}
