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

	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/command"
	"github.com/stretchr/testify/mock"
)

// MockCommandExecutor is a testify mock for command.Executor.
//
//	mockCmd := &MockCommandExecutor{}
//	mockCmd.On("Output", mock.Anything, "blkid", []string{"-s", "UUID", "-o", "value", "/dev/sdb"}).
//		Return("U1", nil)
type MockCommandExecutor struct {
	mock.Mock
}

func (m *MockCommandExecutor) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	called := m.Called(ctx, name, args)
	res, _ := called.Get(0).(command.Result)
	//nolint:wrapcheck // mock returns are already wrapped by caller
	return res, called.Error(1)
}

func (m *MockCommandExecutor) Output(ctx context.Context, name string, args ...string) (string, error) {
	called := m.Called(ctx, name, args)
	//nolint:wrapcheck // mock returns are already wrapped by caller
	return called.String(0), called.Error(1)
}
