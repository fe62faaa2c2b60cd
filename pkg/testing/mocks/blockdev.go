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

package mocks

import (
	"context"

	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/syncutil"
	"github.com/stretchr/testify/mock"
)

// MockProber is a testify mock for blockdev.Prober.
type MockProber struct {
	mock.Mock
}

func (m *MockProber) LookupUUID(ctx context.Context, devnode string) (string, bool) {
	args := m.Called(ctx, devnode)
	return args.String(0), args.Bool(1)
}

func (m *MockProber) HasFilesystem(ctx context.Context, devnode string) (bool, error) {
	args := m.Called(ctx, devnode)
	//nolint:wrapcheck // mock
	return args.Bool(0), args.Error(1)
}

func (m *MockProber) Format(ctx context.Context, devnode string) error {
	//nolint:wrapcheck // mock
	return m.Called(ctx, devnode).Error(0)
}

func (m *MockProber) Mount(ctx context.Context, devnode, target string) error {
	//nolint:wrapcheck // mock
	return m.Called(ctx, devnode, target).Error(0)
}

func (m *MockProber) Unmount(ctx context.Context, target string) error {
	//nolint:wrapcheck // mock
	return m.Called(ctx, target).Error(0)
}

// FakeMountTable is an in-memory mount table keyed by devnode. Tests mutate
// it directly to simulate external mounts.
type FakeMountTable struct {
	Err    error
	Mounts map[string]string
	mu     syncutil.Mutex
}

func NewFakeMountTable() *FakeMountTable {
	return &FakeMountTable{Mounts: make(map[string]string)}
}

func (f *FakeMountTable) MountPoint(_ context.Context, devnode string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", false, f.Err
	}
	p, ok := f.Mounts[devnode]
	return p, ok, nil
}

func (f *FakeMountTable) Set(devnode, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mounts[devnode] = path
}

func (f *FakeMountTable) Delete(devnode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Mounts, devnode)
}
