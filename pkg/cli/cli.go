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

package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/ZaparooProject/zaparoo-storage/internal/telemetry"
	"github.com/ZaparooProject/zaparoo-storage/pkg/config"
	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers"
	"github.com/ZaparooProject/zaparoo-storage/pkg/mounter"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service"
	"github.com/rs/zerolog/log"
)

var ErrConflictingFlags = errors.New("-join and -leave cannot be used together")

type Flags struct {
	Config       *string
	Service      *string
	Join         *string
	Leave        *string
	MigrateOnly  *bool
	Version      *bool
	AllowNonRoot *bool
}

// SetupFlags defines the daemon's flags on fs.
func SetupFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		Config: fs.String(
			"config",
			"",
			"path to the config file (default "+config.DefaultCfgDir+"/"+config.CfgFile+")",
		),
		Service: fs.String(
			"service",
			"exec",
			"service action: exec, stop or status",
		),
		Join: fs.String(
			"join",
			"",
			"admit the device with this filesystem uuid into the pool and exit",
		),
		Leave: fs.String(
			"leave",
			"",
			"withdraw the device with this filesystem uuid from the pool and exit",
		),
		MigrateOnly: fs.Bool(
			"migrate-only",
			false,
			"apply state database migrations and exit",
		),
		Version: fs.Bool(
			"version",
			false,
			"print version and exit",
		),
		AllowNonRoot: fs.Bool(
			"allow-non-root",
			false,
			"skip the root check, mounting will fail unless permitted otherwise",
		),
	}
}

// Pre parses args and actions any flags that don't need a config. It
// reports true when the process should exit.
func (f *Flags) Pre(fs *flag.FlagSet, args []string, out io.Writer) (bool, error) {
	if err := fs.Parse(args); err != nil {
		return true, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *f.Version {
		_, _ = fmt.Fprintf(out, "Zaparoo Storage v%s\n", config.AppVersion)
		return true, nil
	}

	if *f.Join != "" && *f.Leave != "" {
		return true, ErrConflictingFlags
	}
	return false, nil
}

// Setup loads the config, then initializes logging and error reporting.
// An empty configPath uses the default location.
//
//nolint:gocritic // config struct copied for immutability
func Setup(configPath string, defaults config.Values, writers []io.Writer) (*config.Instance, error) {
	var (
		cfg *config.Instance
		err error
	)
	if configPath != "" {
		cfg, err = config.NewConfigAt(configPath, defaults)
	} else {
		cfg, err = config.NewConfig(config.DefaultCfgDir, defaults)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	err = helpers.InitLogging(helpers.LogSettings{
		Dir:      cfg.LogDir(),
		Filename: config.LogFile,
		Debug:    cfg.DebugLogging(),
	}, writers)
	if err != nil {
		return nil, fmt.Errorf("error initializing logging: %w", err)
	}

	// opt-in
	if err := telemetry.Init(telemetry.Options{
		Enabled:     cfg.ErrorReporting(),
		DSN:         cfg.ErrorReportingDSN(),
		Release:     config.AppVersion,
		Environment: "linux",
	}); err != nil {
		log.Warn().Err(err).Msg("failed to initialize error reporting")
	}

	return cfg, nil
}

// Post actions the one-shot flags that work on the state database. It
// reports true when one ran and the process should exit.
func (f *Flags) Post(ctx context.Context, cfg *config.Instance, out io.Writer) (bool, error) {
	switch {
	case *f.MigrateOnly:
		db, err := service.OpenStateDB(cfg)
		if err != nil {
			return true, err
		}
		if err := db.Close(); err != nil {
			return true, fmt.Errorf("failed to close state database: %w", err)
		}
		_, _ = fmt.Fprintf(out, "State database at %s is up to date\n", cfg.DBPath())
		return true, nil
	case *f.Join != "":
		return true, setJoined(ctx, cfg, out, *f.Join, true)
	case *f.Leave != "":
		return true, setJoined(ctx, cfg, out, *f.Leave, false)
	}
	return false, nil
}

func setJoined(ctx context.Context, cfg *config.Instance, out io.Writer, uuid string, joined bool) error {
	db, err := service.OpenStateDB(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close state database")
		}
	}()

	// a running daemon picks this up once its selection cache expires
	if err := mounter.Admit(ctx, db, nil, uuid, joined); err != nil {
		return err
	}

	if joined {
		_, _ = fmt.Fprintf(out, "Device %s joined the pool\n", uuid)
	} else {
		_, _ = fmt.Fprintf(out, "Device %s left the pool\n", uuid)
	}
	return nil
}
