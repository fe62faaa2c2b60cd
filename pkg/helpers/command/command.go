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

// Package command runs the external block device tools (blkid, mkfs, mount,
// umount) behind an interface so the lifecycle controller can be tested
// without touching real disks.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command exceeds the executor's time limit.
var ErrTimeout = errors.New("command timed out")

// Result holds the captured output of a finished command.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Executor runs external commands.
type Executor interface {
	// Run executes a command and waits for it to complete. A non-zero exit
	// status is returned as an *ExitError carrying the captured stderr.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// Output runs a command and returns its trimmed standard output.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExitError describes a command that ran but exited non-zero.
type ExitError struct {
	Name   string
	Stderr string
	Code   int
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.Code, e.Stderr)
}

// RealExecutor runs commands with exec.CommandContext. Each call is bounded
// by Timeout when it is positive.
type RealExecutor struct {
	Timeout time.Duration
}

// NewExecutor returns a RealExecutor with the given per-call timeout.
func NewExecutor(timeout time.Duration) *RealExecutor {
	return &RealExecutor{Timeout: timeout}
}

func (e *RealExecutor) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cctx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("%s: %w", name, ErrTimeout)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return res, &ExitError{
				Name:   name,
				Code:   ee.ExitCode(),
				Stderr: strings.TrimSpace(errBuf.String()),
			}
		}
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

func (e *RealExecutor) Output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := e.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
