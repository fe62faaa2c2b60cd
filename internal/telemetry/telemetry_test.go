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

package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "no username in path", input: "/srv/pool/U1/obj", expected: "/srv/pool/U1/obj"},
		{
			name:     "linux home path",
			input:    "/home/alex/dev/zaparoo-storage/pkg/config/config.go",
			expected: "/home/<user>/dev/zaparoo-storage/pkg/config/config.go",
		},
		{
			name:     "uppercase home path",
			input:    "/Home/Alex/pool",
			expected: "/home/<user>/pool",
		},
		{
			name:     "root home",
			input:    "open /root/storage.toml: permission denied",
			expected: "open /<root>/storage.toml: permission denied",
		},
		{
			name:     "multiple paths in message",
			input:    "copying /home/alice/src to /home/bob/dst",
			expected: "copying /home/<user>/src to /home/<user>/dst",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, sanitizePath(tt.input))
		})
	}
}

func TestSanitizeEvent(t *testing.T) {
	t.Parallel()

	event := &sentry.Event{
		ServerName: "nas.local",
		Message:    "failed to write /home/alex/pool/x",
		Extra: map[string]any{
			"filename": "tax-return-2025.pdf",
			"path":     "/home/alex/pool/U1/k",
			"size":     42,
		},
		Exception: []sentry.Exception{{
			Stacktrace: &sentry.Stacktrace{Frames: []sentry.Frame{{
				AbsPath:  "/home/alex/src/zaparoo-storage/pkg/api/objects.go",
				Filename: "pkg/api/objects.go",
			}}},
		}},
	}

	got := sanitizeEvent(event)
	require.NotNil(t, got)
	assert.Empty(t, got.ServerName)
	assert.Equal(t, "failed to write /home/<user>/pool/x", got.Message)
	assert.Equal(t, redacted, got.Extra["filename"])
	assert.Equal(t, "/home/<user>/pool/U1/k", got.Extra["path"])
	assert.Equal(t, 42, got.Extra["size"])
	assert.Equal(t, "/home/<user>/src/zaparoo-storage/pkg/api/objects.go",
		got.Exception[0].Stacktrace.Frames[0].AbsPath)
}

func TestInit_Disabled(t *testing.T) {
	t.Parallel()

	require.NoError(t, Init(Options{Enabled: false}))
	assert.False(t, Enabled())

	// no-ops while disabled
	Close()
	Flush()
}

func TestInit_RequiresDSN(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Init(Options{Enabled: true}), ErrNoDSN)
	assert.False(t, Enabled())
}
