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

// Package telemetry provides opt-in error reporting via Sentry. Error-level
// log events are forwarded once enabled. Usernames in paths and uploaded
// file names are stripped before transmission.
package telemetry

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers"
	"github.com/getsentry/sentry-go"
	sentryzerolog "github.com/getsentry/sentry-go/zerolog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	flushTimeout = 2 * time.Second
	redacted     = "<redacted>"
)

var ErrNoDSN = errors.New("error reporting enabled without a DSN")

var (
	enabled      bool
	sentryWriter *sentryzerolog.Writer
	closeOnce    sync.Once

	homePathRe = regexp.MustCompile(`(?i)/home/[^/]+/`)
	rootHomeRe = regexp.MustCompile(`/root/`)

	// log fields that may carry user-chosen names
	sensitiveFields = []string{"filename", "name"}
)

type Options struct {
	DSN         string
	Release     string
	Environment string
	Enabled     bool
}

// Init sets up Sentry and tees error-level log events into it. Nothing is
// sent unless opts.Enabled is true.
func Init(opts Options) error {
	if !opts.Enabled {
		log.Debug().Msg("error reporting disabled")
		return nil
	}
	if opts.DSN == "" {
		return ErrNoDSN
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Release:          "zaparoo-storage@" + opts.Release,
		Environment:      opts.Environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		ServerName:       "",
		MaxBreadcrumbs:   0,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return sanitizeEvent(event)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
	})

	sentryWriter, err = sentryzerolog.NewWithHub(sentry.CurrentHub(), sentryzerolog.Options{
		Levels:          []zerolog.Level{zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel},
		FlushTimeout:    flushTimeout,
		WithBreadcrumbs: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create sentry zerolog writer: %w", err)
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		helpers.LogWriter(),
		sentryWriter,
	)).With().Caller().Logger()

	enabled = true
	log.Info().Msg("error reporting enabled")
	return nil
}

// Close flushes pending events and shuts down Sentry. Safe to call more
// than once.
func Close() {
	if !enabled {
		return
	}
	closeOnce.Do(func() {
		_ = sentryWriter.Close()
		sentry.Flush(flushTimeout)
	})
}

// Flush sends pending events. Call it before os.Exit.
func Flush() {
	if !enabled {
		return
	}
	sentry.Flush(flushTimeout)
}

func Enabled() bool {
	return enabled
}

func sanitizeEvent(event *sentry.Event) *sentry.Event {
	// the SDK may fill in the hostname anyway
	event.ServerName = ""

	for i := range event.Exception {
		if event.Exception[i].Stacktrace != nil {
			for j := range event.Exception[i].Stacktrace.Frames {
				frame := &event.Exception[i].Stacktrace.Frames[j]
				frame.AbsPath = sanitizePath(frame.AbsPath)
				frame.Filename = sanitizePath(frame.Filename)
			}
		}
	}

	event.Message = sanitizePath(event.Message)

	for k, v := range event.Extra {
		if isSensitiveField(k) {
			event.Extra[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			event.Extra[k] = sanitizePath(s)
		}
	}

	return event
}

func isSensitiveField(key string) bool {
	for _, f := range sensitiveFields {
		if key == f {
			return true
		}
	}
	return false
}

func sanitizePath(path string) string {
	if path == "" {
		return path
	}
	result := homePathRe.ReplaceAllString(path, "/home/<user>/")
	return rootHomeRe.ReplaceAllString(result, "/<root>/")
}
