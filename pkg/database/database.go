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

// Package database holds the persistent record types for the storage pool
// and the interfaces the lifecycle controller and request path use to reach
// them. The SQLite implementation lives in statedb.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStore matches every *StoreError with errors.Is.
	ErrStore = errors.New("state store error")
	// ErrNullSQL is returned when a store is used before it is opened.
	ErrNullSQL = errors.New("state database is not connected")

	ErrDeviceNotFound  = errors.New("device not found")
	ErrObjectNotFound  = errors.New("object not found")
	ErrInvalidIdentity = errors.New("device identity is required")
)

// StoreError wraps a failure of the underlying database. Callers treat it as
// retryable.
type StoreError struct {
	Err error
	Op  string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (*StoreError) Is(target error) bool { return target == ErrStore }

// WrapStoreError returns nil for a nil err and leaves sentinel errors from
// this package untouched.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, ErrInvalidIdentity) || errors.Is(err, ErrStore) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Device is one physical storage device known to the pool. UUID is the
// filesystem identity reported by the probe and is stable across replugs,
// DevNode is whatever path the kernel assigned on the latest attach.
type Device struct {
	LastSeen     time.Time `json:"lastSeen"`
	DevNode      string    `json:"devnode"`
	UUID         string    `json:"uuid"`
	MountPath    string    `json:"mountPath,omitempty"`
	ID           int64     `json:"id"`
	Removed      bool      `json:"removed"`
	Joined       bool      `json:"joined"`
	MountSuccess bool      `json:"mountSuccess"`
}

// Usable reports whether the device may receive new objects.
func (d *Device) Usable() bool {
	return !d.Removed && d.Joined && d.MountSuccess && d.UUID != ""
}

// Object is the metadata row for one stored object.
type Object struct {
	CreatedAt   time.Time
	Key         string
	Filename    string
	ContentType string
	Path        string
	DeviceUUID  string
	ID          int64
	Size        int64
	Deleted     bool
}

// DeviceStore persists device lifecycle records.
type DeviceStore interface {
	UpsertOnDiscovery(ctx context.Context, devnode, uuid string, now time.Time) error
	MarkRemoved(ctx context.Context, devnode string, now time.Time) (int64, error)
	ListMountCandidates(ctx context.Context) ([]Device, error)
	RecordMountResult(ctx context.Context, devnode, mountPath, uuid string) (int64, error)
	ClearMountResult(ctx context.Context, devnode, uuid string) (int64, error)
	SetJoined(ctx context.Context, uuid string, joined bool) error
	GetDevice(ctx context.Context, uuid string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

// ObjectStore persists object metadata.
type ObjectStore interface {
	InsertObject(ctx context.Context, obj *Object) (int64, error)
	GetObject(ctx context.Context, key string) (*Object, error)
	SoftDeleteObject(ctx context.Context, key string) (int64, error)
}
