//go:build linux || darwin

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

// Package daemon runs the service in the foreground under a PID file and
// lets a second invocation query or stop it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotRunning     = errors.New("service not running")
)

// ServiceEntry starts the service and returns a function that stops it.
type ServiceEntry func() (func() error, error)

type Service struct {
	start   ServiceEntry
	pidPath string
}

type ServiceArgs struct {
	Entry   ServiceEntry
	PidPath string
}

func NewService(args ServiceArgs) (*Service, error) {
	err := os.MkdirAll(filepath.Dir(args.PidPath), 0o750)
	if err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}

	return &Service{
		start:   args.Entry,
		pidPath: args.PidPath,
	}, nil
}

// Create new PID file using current process PID.
func (s *Service) createPidFile() error {
	pid := os.Getpid()
	err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(pid)), 0o600)
	if err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func (s *Service) removePidFile() error {
	err := os.Remove(s.pidPath)
	if err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Pid returns the process ID recorded in the PID file, or 0 when there is
// no PID file.
func (s *Service) Pid() (int, error) {
	//nolint:gosec // path comes from the config
	pidFile, err := os.ReadFile(s.pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("error reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidFile)))
	if err != nil {
		return 0, fmt.Errorf("error parsing pid: %w", err)
	}
	return pid, nil
}

// Running returns true if the process in the PID file is alive.
func (s *Service) Running() bool {
	pid, err := s.Pid()
	if err != nil || pid == 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}

// Run starts the service and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then stops it and removes the PID file.
func (s *Service) Run(ctx context.Context) error {
	if s.Running() {
		return ErrAlreadyRunning
	}

	log.Info().Msg("starting service")

	if err := s.createPidFile(); err != nil {
		return err
	}

	err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, 1)
	if err != nil {
		log.Warn().Err(err).Msg("error setting nice level")
	}

	stop, err := s.start()
	if err != nil {
		if rmErr := s.removePidFile(); rmErr != nil {
			log.Error().Err(rmErr).Msg("error removing pid file")
		}
		return fmt.Errorf("error starting service: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info().Msg("stopping service")
	stopErr := stop()
	if stopErr != nil {
		log.Error().Err(stopErr).Msg("error stopping service")
	}
	return errors.Join(stopErr, s.removePidFile())
}

// Stop sends SIGTERM to the running service and waits up to timeout for
// it to exit.
func (s *Service) Stop(timeout time.Duration) error {
	if !s.Running() {
		return ErrNotRunning
	}

	pid, err := s.Pid()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	err = process.Signal(syscall.SIGTERM)
	if err != nil {
		return fmt.Errorf("failed to send SIGTERM to process: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for s.Running() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service %d to stop", pid)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func (s *Service) ServiceHandler(ctx context.Context, cmd string) error {
	switch cmd {
	case "", "exec":
		return s.Run(ctx)
	case "stop":
		return s.Stop(10 * time.Second)
	case "status":
		if s.Running() {
			_, _ = fmt.Println("started")
			return nil
		}
		_, _ = fmt.Println("stopped")
		return ErrNotRunning
	default:
		return fmt.Errorf("unknown service argument: %s", cmd)
	}
}
