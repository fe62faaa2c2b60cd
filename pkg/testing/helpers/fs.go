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

package helpers

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// PoolFS is an in-memory storage pool for placement and cleanup tests.
type PoolFS struct {
	Fs   afero.Fs
	Root string
}

func NewPoolFS(root string) *PoolFS {
	return &PoolFS{Fs: afero.NewMemMapFs(), Root: root}
}

// WriteObject places content at <root>/<shard>/<name>.
func (p *PoolFS) WriteObject(shard, name string, content []byte) (string, error) {
	path := filepath.Join(p.Root, shard, name)
	if err := p.Fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := afero.WriteFile(p.Fs, path, content, 0o600); err != nil {
		return "", fmt.Errorf("failed to write object %s: %w", path, err)
	}
	return path, nil
}

// Age backdates a file's modification time.
func (p *PoolFS) Age(path string, age time.Duration) error {
	ts := time.Now().Add(-age)
	if err := p.Fs.Chtimes(path, ts, ts); err != nil {
		return fmt.Errorf("failed to change times of %s: %w", path, err)
	}
	return nil
}

func (p *PoolFS) Exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(p.Fs, path)
	if err != nil {
		t.Fatalf("Failed to stat %s: %v", path, err)
	}
	return ok
}

// ListShard returns the names in a shard directory, or nil if it does not
// exist.
func (p *PoolFS) ListShard(t *testing.T, shard string) []string {
	t.Helper()
	entries, err := afero.ReadDir(p.Fs, filepath.Join(p.Root, shard))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
