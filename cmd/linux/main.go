//go:build linux

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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ZaparooProject/zaparoo-storage/internal/telemetry"
	"github.com/ZaparooProject/zaparoo-storage/pkg/cli"
	"github.com/ZaparooProject/zaparoo-storage/pkg/config"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := cli.SetupFlags(flag.CommandLine)
	if exit, err := flags.Pre(flag.CommandLine, os.Args[1:], os.Stdout); exit || err != nil {
		return err
	}

	if os.Geteuid() != 0 && !*flags.AllowNonRoot {
		return errors.New("zaparoo-storage must run as root to mount devices")
	}

	cfg, err := cli.Setup(
		*flags.Config,
		config.BaseDefaults,
		[]io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}},
	)
	if err != nil {
		return err
	}
	defer telemetry.Close()

	defer func() {
		if err := recover(); err != nil {
			telemetry.Flush()
			_, _ = fmt.Fprintf(os.Stderr, "Panic: %s\n", err)
			log.Fatal().Msgf("panic: %v", err)
		}
	}()

	ctx := context.Background()
	if done, err := flags.Post(ctx, cfg, os.Stdout); done || err != nil {
		return err
	}

	svc, err := daemon.NewService(daemon.ServiceArgs{
		PidPath: cfg.PidPath(),
		Entry: func() (func() error, error) {
			return service.Start(cfg)
		},
	})
	if err != nil {
		return err
	}

	return svc.ServiceHandler(ctx, *flags.Service)
}
