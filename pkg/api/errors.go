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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/ZaparooProject/zaparoo-storage/pkg/selector"
	"github.com/ZaparooProject/zaparoo-storage/pkg/storage"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// retryAfterNoDevice is sent with 503 when no device can take an upload
// right now.
const retryAfterNoDevice = 5

var (
	ErrNoFilePart = errors.New("no file part in upload")
	ErrBadRequest = errors.New("bad request")
)

// statusFor maps an error to the status code and the message shown to the
// client. Internal details only reach the log.
func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, ErrNoFilePart):
		return http.StatusBadRequest, ErrNoFilePart.Error()
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrInvalidSegment):
		return http.StatusBadRequest, "invalid key"
	case errors.Is(err, database.ErrObjectNotFound):
		return http.StatusNotFound, "object not found"
	case errors.Is(err, database.ErrDeviceNotFound):
		return http.StatusNotFound, "device not found"
	case errors.Is(err, selector.ErrNoUsableDevice):
		return http.StatusServiceUnavailable, selector.ErrNoUsableDevice.Error()
	case errors.Is(err, selector.ErrRefreshFailed):
		return http.StatusServiceUnavailable, selector.ErrRefreshFailed.Error()
	case errors.Is(err, database.ErrStore):
		return http.StatusInternalServerError, "db error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).
		Str("request_id", chimiddleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterNoDevice))
	}
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
