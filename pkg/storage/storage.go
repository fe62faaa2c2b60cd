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

// Package storage places objects on mounted shards. Every object lives at
// <root>/<shard uuid>/<object key> and is written through a temporary file so
// readers never observe a partially written object.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const partialSuffix = ".part"

var ErrInvalidSegment = errors.New("invalid path segment")

// SegmentError reports which path component failed validation.
type SegmentError struct {
	Field string
	Value string
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrInvalidSegment, e.Field, e.Value)
}

func (*SegmentError) Unwrap() error {
	return ErrInvalidSegment
}

type Storage struct {
	fs   afero.Fs
	root string
}

// New returns a Storage rooted at root on fs.
func New(fs afero.Fs, root string) *Storage {
	return &Storage{fs: fs, root: filepath.Clean(root)}
}

// NewOS returns a Storage on the host filesystem.
func NewOS(root string) *Storage {
	return New(afero.NewOsFs(), root)
}

func (s *Storage) Root() string {
	return s.root
}

func validSegment(field, value string) error {
	switch {
	case value == "", value == ".", value == "..":
	case strings.ContainsAny(value, "/\\\x00"):
	default:
		return nil
	}
	return &SegmentError{Field: field, Value: value}
}

// ResolvePath returns the location of an object. Both keys must be a single
// path segment, so the result is always a direct child of the shard
// directory. Object keys may not use the temporary upload suffix.
func (s *Storage) ResolvePath(shardKey, objectKey string) (string, error) {
	if err := validSegment("shard key", shardKey); err != nil {
		return "", err
	}
	if err := validSegment("object key", objectKey); err != nil {
		return "", err
	}
	if strings.HasSuffix(objectKey, partialSuffix) {
		return "", &SegmentError{Field: "object key", Value: objectKey}
	}
	return filepath.Join(s.root, shardKey, objectKey), nil
}

// WriteStream copies r into the object path through a temporary file in the
// same directory, syncing and renaming it into place once the copy
// succeeds. On any failure the temporary file is removed and nothing is left
// at the final path.
func (s *Storage) WriteStream(shardKey, objectKey string, r io.Reader) (path string, n int64, err error) {
	path, err = s.ResolvePath(shardKey, objectKey)
	if err != nil {
		return "", 0, err
	}

	dir := filepath.Dir(path)
	if err = s.fs.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create shard directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, objectKey+".*"+partialSuffix)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err == nil {
			return
		}
		_ = tmp.Close()
		if rmErr := s.fs.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", tmpName).Msg("failed to remove partial upload")
		}
	}()

	n, err = io.Copy(tmp, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to write object: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return "", n, fmt.Errorf("failed to sync object: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", n, fmt.Errorf("failed to close object: %w", err)
	}
	if err = s.fs.Rename(tmpName, path); err != nil {
		return "", n, fmt.Errorf("failed to move object into place: %w", err)
	}

	log.Debug().Str("shard", shardKey).Str("key", objectKey).Int64("size", n).Msg("object written")
	return path, n, nil
}

// Open opens an object for reading.
func (s *Storage) Open(shardKey, objectKey string) (afero.File, error) {
	path, err := s.ResolvePath(shardKey, objectKey)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

// Delete removes an object. A missing object is not an error.
func (s *Storage) Delete(shardKey, objectKey string) error {
	path, err := s.ResolvePath(shardKey, objectKey)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// CleanupPartials removes temporary upload files in a shard directory that
// were last modified before olderThan. Such files are only left behind when
// the process dies mid-upload. It returns the number of files removed.
func (s *Storage) CleanupPartials(shardKey string, olderThan time.Time) (int, error) {
	if err := validSegment("shard key", shardKey); err != nil {
		return 0, err
	}
	dir := filepath.Join(s.root, shardKey)

	entries, err := afero.ReadDir(s.fs, dir)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read shard directory %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		if !entry.ModTime().Before(olderThan) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove stale partial upload")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Str("shard", shardKey).Int("removed", removed).Msg("removed stale partial uploads")
	}
	return removed, nil
}
