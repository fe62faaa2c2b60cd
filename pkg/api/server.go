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

// Package api is the HTTP surface of the storage pool: object upload,
// download and delete, plus the device admin routes and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/middleware"
	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/blockdev"
	"github.com/ZaparooProject/zaparoo-storage/pkg/config"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database"
	"github.com/ZaparooProject/zaparoo-storage/pkg/metrics"
	"github.com/ZaparooProject/zaparoo-storage/pkg/storage"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
)

// ShardSelector picks the device an upload is written to.
type ShardSelector interface {
	Select(ctx context.Context) (string, error)
	Snapshot() []string
	Invalidate()
}

// UsageReader reports filesystem usage for a mount path.
type UsageReader interface {
	Usage(ctx context.Context, path string) (*blockdev.Usage, error)
}

type Options struct {
	AllowedOrigins  []string
	AdminAllowedIPs []string
	MaxUploadBytes  int64
	RateLimit       float64
	MetricsEnabled  bool
}

// OptionsFromConfig reads the HTTP settings from cfg.
func OptionsFromConfig(cfg *config.Instance) Options {
	return Options{
		AllowedOrigins:  cfg.AllowedOrigins(),
		AdminAllowedIPs: cfg.AdminAllowedIPs(),
		MaxUploadBytes:  cfg.MaxUploadBytes(),
		RateLimit:       cfg.RateLimit(),
		MetricsEnabled:  cfg.MetricsEnabled(),
	}
}

// Deps are the components the handlers call into. Usage, Notifications,
// Metrics and Clock are optional.
type Deps struct {
	Devices       database.DeviceStore
	Objects       database.ObjectStore
	Storage       *storage.Storage
	Selector      ShardSelector
	Usage         UsageReader
	Notifications chan<- models.Notification
	Metrics       *metrics.Metrics
	Clock         clockwork.Clock
}

type Server struct {
	deps    Deps
	limiter *middleware.IPRateLimiter
	api     *metrics.API
	opts    Options
}

func NewServer(deps Deps, opts Options) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		deps: deps,
		opts: opts,
	}
	if deps.Metrics != nil {
		s.api = deps.Metrics.API
	}
	if opts.RateLimit > 0 {
		s.limiter = middleware.NewIPRateLimiter(opts.RateLimit, middleware.DefaultBurst, deps.Clock)
	}
	return s
}

// StartBackground runs housekeeping for the server until ctx is cancelled.
func (s *Server) StartBackground(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.StartCleanup(ctx)
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.api))
	r.Use(chimiddleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"Content-Disposition", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.opts.MetricsEnabled && s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitMiddleware(s.limiter))

		r.Post("/upload", s.handleUpload)
		r.Get("/files/{key}", s.handleDownload)
		r.Delete("/files/{key}", s.handleDelete)
	})

	r.Route("/devices", func(r chi.Router) {
		r.Use(middleware.IPFilterMiddleware(s.opts.AdminAllowedIPs))

		r.Get("/", s.handleListDevices)
		r.Put("/{uuid}/joined", s.handleSetJoined(true))
		r.Delete("/{uuid}/joined", s.handleSetJoined(false))
	})

	return r
}

// NewHTTPServer wraps the handler with the listen address and timeouts.
// Write timeout is left unset so large transfers are not cut off.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
