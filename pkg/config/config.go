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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/syncutil"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	SchemaVersion = 1
	CfgEnv        = "ZAPAROO_STORAGE_CFG"
	CfgFile       = "storage.toml"
	LogFile       = "storage.log"
	PidFile       = "zaparoo-storage.pid"
	DefaultCfgDir = "/etc/zaparoo-storage"
)

// AppVersion is set at build time with -ldflags.
var AppVersion = "DEVELOPMENT"

var ErrSchemaMismatch = errors.New("schema version mismatch")

type Values struct {
	ErrorReportingDSN string  `toml:"error_reporting_dsn,omitempty"`
	Storage           Storage `toml:"storage"`
	Service           Service `toml:"service,omitempty"`
	ConfigSchema      int     `toml:"config_schema"`
	DebugLogging      bool    `toml:"debug_logging"`
	ErrorReporting    bool    `toml:"error_reporting"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Storage: Storage{
		Root:            DefaultStorageRoot,
		DBPath:          DefaultDBPath,
		LogDir:          DefaultLogDir,
		ScanInterval:    "30s",
		DeviceCacheTTL:  "30s",
		CommandTimeout:  "60s",
		PartialMaxAge:   "24h",
		FormatFSType:    "ext4",
		DevnodePrefixes: []string{"/dev/sd"},
	},
	Service: Service{
		APIListen:       DefaultAPIListen,
		AdminAllowedIPs: []string{"127.0.0.1", "::1"},
	},
}

// clone copies the slices so decoding over a copy never writes into the
// backing arrays of the defaults.
//
//nolint:gocritic // value receiver on purpose
func (v Values) clone() Values {
	v.Storage.DevnodePrefixes = slices.Clone(v.Storage.DevnodePrefixes)
	v.Service.AllowedOrigins = slices.Clone(v.Service.AllowedOrigins)
	v.Service.AdminAllowedIPs = slices.Clone(v.Service.AdminAllowedIPs)
	v.Service.Publishers.MQTT = slices.Clone(v.Service.Publishers.MQTT)
	return v
}

type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewConfig loads the config file from configDir, or from the path in
// ZAPAROO_STORAGE_CFG when set. A missing file is created from defaults.
//
//nolint:gocritic // config struct copied for immutability
func NewConfig(configDir string, defaults Values) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}
	return NewConfigAt(cfgPath, defaults)
}

// NewConfigAt is NewConfig with an explicit file path.
//
//nolint:gocritic // config struct copied for immutability
func NewConfigAt(cfgPath string, defaults Values) (*Instance, error) {
	cfg := Instance{
		mu:       syncutil.RWMutex{},
		cfgPath:  cfgPath,
		vals:     defaults.clone(),
		defaults: defaults.clone(),
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		log.Info().Str("path", cfgPath).Msg("saving new default config to disk")

		err := os.MkdirAll(filepath.Dir(cfgPath), 0o750)
		if err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}

		err = cfg.Save()
		if err != nil {
			return nil, err
		}
	}

	err := cfg.Load()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// fields missing from the file keep their defaults
	newVals := c.defaults.clone()
	err = toml.Unmarshal(data, &newVals)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Error().Msgf(
			"schema version mismatch: got %d, expecting %d",
			newVals.ConfigSchema,
			SchemaVersion,
		)
		return ErrSchemaMismatch
	}

	if err := Validate(&newVals); err != nil {
		return err
	}

	c.vals = newVals
	return nil
}

func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	c.vals.ConfigSchema = SchemaVersion

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfgPath
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

func (c *Instance) ErrorReporting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.ErrorReporting && c.vals.ErrorReportingDSN != ""
}

func (c *Instance) ErrorReportingDSN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.ErrorReportingDSN
}
