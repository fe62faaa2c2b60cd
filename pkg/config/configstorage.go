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

package config

import (
	"path/filepath"
	"time"
)

const (
	DefaultStorageRoot = "/mnt/storage_pool"
	DefaultDBPath      = "/var/lib/zaparoo-storage/state.db"
	DefaultLogDir      = "/var/log/zaparoo-storage"

	defaultScanInterval   = 30 * time.Second
	defaultDeviceCacheTTL = 30 * time.Second
	defaultCommandTimeout = 60 * time.Second
	defaultPartialMaxAge  = 24 * time.Hour
)

// Storage configures the device pool and the on-disk state.
type Storage struct {
	Root            string   `toml:"root" validate:"required,abspath"`
	DBPath          string   `toml:"db_path" validate:"required,abspath"`
	LogDir          string   `toml:"log_dir" validate:"required,abspath"`
	ScanInterval    string   `toml:"scan_interval" validate:"omitempty,duration"`
	DeviceCacheTTL  string   `toml:"device_cache_ttl" validate:"omitempty,duration"`
	CommandTimeout  string   `toml:"command_timeout" validate:"omitempty,duration"`
	PartialMaxAge   string   `toml:"partial_max_age" validate:"omitempty,duration"`
	FormatFSType    string   `toml:"format_fstype" validate:"omitempty,oneof=ext4 ext3 xfs btrfs"`
	DevnodePrefixes []string `toml:"devnode_prefixes,multiline" validate:"dive,abspath"`
	// AllowFormat permits mkfs on joined devices with no filesystem. This
	// destroys whatever is on the device.
	AllowFormat bool `toml:"allow_format"`
}

func (c *Instance) StorageRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Storage.Root
}

func (c *Instance) SetStorageRoot(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Storage.Root = root
}

func (c *Instance) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Storage.DBPath
}

func (c *Instance) SetDBPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Storage.DBPath = path
}

// PidPath is the daemon's PID file, kept next to the state database.
func (c *Instance) PidPath() string {
	return filepath.Join(filepath.Dir(c.DBPath()), PidFile)
}

func (c *Instance) LogDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Storage.LogDir
}

// ScanInterval is the period between reconciliation ticks.
func (c *Instance) ScanInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parsePositive(c.vals.Storage.ScanInterval, defaultScanInterval)
}

// DeviceCacheTTL never drops below one second.
func (c *Instance) DeviceCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return max(parsePositive(c.vals.Storage.DeviceCacheTTL, defaultDeviceCacheTTL), time.Second)
}

func (c *Instance) CommandTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parsePositive(c.vals.Storage.CommandTimeout, defaultCommandTimeout)
}

// PartialMaxAge is how old an abandoned upload temp file must be before the
// reconciler deletes it. Zero disables cleanup.
func (c *Instance) PartialMaxAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Storage.PartialMaxAge == "0" {
		return 0
	}
	return parsePositive(c.vals.Storage.PartialMaxAge, defaultPartialMaxAge)
}

func (c *Instance) AllowFormat() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Storage.AllowFormat
}

func (c *Instance) SetAllowFormat(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Storage.AllowFormat = allow
}

func (c *Instance) FormatFSType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Storage.FormatFSType == "" {
		return "ext4"
	}
	return c.vals.Storage.FormatFSType
}

func (c *Instance) DevnodePrefixes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.vals.Storage.DevnodePrefixes...)
}

func parsePositive(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
