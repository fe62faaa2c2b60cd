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

package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/api/notifications"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultContentType = "application/octet-stream"

// nextFilePart skips form fields until the first part carrying a filename.
func nextFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoFilePart
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		if part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	part, err := nextFilePart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = part.Close() }()

	shard, err := s.deps.Selector.Select(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key := uuid.NewString()
	path, n, err := s.deps.Storage.WriteStream(shard, key, part)
	if err != nil {
		writeError(w, r, err)
		return
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	obj := &database.Object{
		CreatedAt:   s.deps.Clock.Now(),
		Key:         key,
		Filename:    part.FileName(),
		ContentType: contentType,
		Path:        path,
		DeviceUUID:  shard,
		Size:        n,
	}
	if _, err := s.deps.Objects.InsertObject(ctx, obj); err != nil {
		if delErr := s.deps.Storage.Delete(shard, key); delErr != nil {
			log.Error().Err(delErr).Str("key", key).Str("shard", shard).
				Msg("failed to remove object after metadata insert failed")
		}
		writeError(w, r, err)
		return
	}

	log.Info().Str("key", key).Str("shard", shard).Int64("size", n).Msg("object stored")
	s.api.AddUploaded(n)
	notifications.ObjectsStored(s.deps.Notifications, models.ObjectParams{
		Key:        key,
		DeviceUUID: shard,
		Size:       n,
	})

	writeJSON(w, http.StatusOK, models.UploadResponse{
		Key:        key,
		Filename:   obj.Filename,
		DeviceUUID: shard,
		Size:       n,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	obj, err := s.deps.Objects.GetObject(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	f, err := s.deps.Storage.Open(obj.DeviceUUID, obj.Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// metadata outlived the file, e.g. the device is not mounted
			err = fmt.Errorf("%w: %w", database.ErrObjectNotFound, err)
		}
		writeError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to stat object: %w", err))
		return
	}

	name := obj.Filename
	if name == "" {
		name = obj.Key
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	http.ServeContent(w, r, name, info.ModTime(), f)
	if r.Method == http.MethodGet {
		s.api.AddDownloaded(info.Size())
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	obj, err := s.deps.Objects.GetObject(ctx, key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Storage.Delete(obj.DeviceUUID, obj.Key); err != nil {
		writeError(w, r, err)
		return
	}

	rows, err := s.deps.Objects.SoftDeleteObject(ctx, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == 0 {
		// lost a race with another delete
		writeError(w, r, database.ErrObjectNotFound)
		return
	}

	log.Info().Str("key", key).Str("shard", obj.DeviceUUID).Msg("object deleted")
	notifications.ObjectsDeleted(s.deps.Notifications, models.ObjectParams{
		Key:        key,
		DeviceUUID: obj.DeviceUUID,
		Size:       obj.Size,
	})
	writeJSON(w, http.StatusOK, models.DeleteResponse{Key: key, Deleted: true})
}
