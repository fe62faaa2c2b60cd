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

// Package service wires the lifecycle controller, the selection cache, the
// placement layer and the HTTP API into a running daemon.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api"
	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-storage/pkg/blockdev"
	"github.com/ZaparooProject/zaparoo-storage/pkg/config"
	"github.com/ZaparooProject/zaparoo-storage/pkg/database/statedb"
	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers"
	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-storage/pkg/hotplug"
	"github.com/ZaparooProject/zaparoo-storage/pkg/metrics"
	"github.com/ZaparooProject/zaparoo-storage/pkg/mounter"
	"github.com/ZaparooProject/zaparoo-storage/pkg/selector"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service/broker"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service/discovery"
	"github.com/ZaparooProject/zaparoo-storage/pkg/service/publishers"
	"github.com/ZaparooProject/zaparoo-storage/pkg/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	notificationBuffer = 100
	subscriberBuffer   = 100
	shutdownTimeout    = 5 * time.Second
)

// environment holds everything that touches the host, so tests can run the
// whole daemon without root or real devices.
type environment struct {
	clock     clockwork.Clock
	newSource func() (hotplug.Source, error)
	prober    blockdev.Prober
	mounts    blockdev.MountTable
	usage     api.UsageReader
	listen    func(network, address string) (net.Listener, error)
}

func systemEnvironment(cfg *config.Instance) environment {
	exec := command.NewExecutor(cfg.CommandTimeout())
	mounts := blockdev.NewSystemMountTable()
	return environment{
		clock:     clockwork.NewRealClock(),
		newSource: hotplug.NewSource,
		prober:    blockdev.NewCommandProber(exec, blockdev.WithFSType(cfg.FormatFSType())),
		mounts:    mounts,
		usage:     mounts,
		listen:    net.Listen,
	}
}

type daemon struct {
	cancel     context.CancelFunc
	db         *statedb.StateDB
	httpServer *http.Server
	listener   net.Listener
	discovery  *discovery.Service
	broker     *broker.Broker
	publishers []*publishers.MQTTPublisher
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

// OpenStateDB makes sure the state directories exist, then opens the
// database and applies pending migrations.
func OpenStateDB(cfg *config.Instance) (*statedb.StateDB, error) {
	if err := helpers.EnsureDirectories(cfg.StorageRoot(), cfg.DBPath()); err != nil {
		return nil, err
	}

	db, err := statedb.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.MigrateUp(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close state database")
		}
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return db, nil
}

// Start brings up the daemon and returns a function that shuts it down.
func Start(cfg *config.Instance) (stop func() error, err error) {
	d, err := start(cfg, systemEnvironment(cfg))
	if err != nil {
		return nil, err
	}
	return d.stop, nil
}

func start(cfg *config.Instance, env environment) (*daemon, error) {
	log.Info().Msgf("version: %s", config.AppVersion)

	log.Info().Str("path", cfg.DBPath()).Msg("opening state database")
	db, err := OpenStateDB(cfg)
	if err != nil {
		return nil, err
	}

	var (
		m         *metrics.Metrics
		mounterM  *metrics.Mounter
		selectorM *metrics.Selector
		brokerM   *metrics.Broker
	)
	if cfg.MetricsEnabled() {
		m = metrics.New(nil)
		mounterM, selectorM, brokerM = m.Mounter, m.Selector, m.Broker
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{
		cancel: cancel,
		db:     db,
	}

	ns := make(chan models.Notification, notificationBuffer)
	d.broker = broker.NewBroker(ctx, ns, brokerM)
	d.broker.Start()
	d.publishers = startPublishers(cfg, d.broker)

	store := storage.NewOS(cfg.StorageRoot())
	cache := selector.New(db, cfg.DeviceCacheTTL(),
		selector.WithClock(env.clock),
		selector.WithMetrics(selectorM),
	)

	controller := mounter.NewController(db, env.prober, env.mounts,
		mounter.Options{
			StorageRoot:   cfg.StorageRoot(),
			ScanInterval:  cfg.ScanInterval(),
			PartialMaxAge: cfg.PartialMaxAge(),
			AllowFormat:   cfg.AllowFormat(),
		},
		mounter.WithClock(env.clock),
		mounter.WithNotifications(ns),
		mounter.WithMetrics(mounterM),
		mounter.WithInvalidator(cache),
		mounter.WithPartialCleaner(store),
		mounter.WithMatcher(hotplug.NewMatcher(cfg.DevnodePrefixes())),
	)
	if cfg.AllowFormat() {
		log.Warn().Msg("automatic formatting of admitted devices is enabled")
	}

	src, err := env.newSource()
	if err != nil {
		log.Error().Err(err).Msg("hotplug events unavailable, only known devices will be reconciled")
	} else {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := controller.RunEvents(ctx, src); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("hotplug event loop stopped")
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		controller.RunScheduler(ctx)
	}()

	apiServer := api.NewServer(api.Deps{
		Devices:       db,
		Objects:       db,
		Storage:       store,
		Selector:      cache,
		Usage:         env.usage,
		Notifications: ns,
		Metrics:       m,
		Clock:         env.clock,
	}, api.OptionsFromConfig(cfg))
	apiServer.StartBackground(ctx)

	d.listener, err = env.listen("tcp", cfg.APIListen())
	if err != nil {
		stopErr := d.stop()
		return nil, errors.Join(fmt.Errorf("failed to listen on %s: %w", cfg.APIListen(), err), stopErr)
	}
	d.httpServer = apiServer.NewHTTPServer(d.listener.Addr().String())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Info().Str("addr", d.listener.Addr().String()).Msg("starting API server")
		if err := d.httpServer.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server stopped")
		}
	}()

	d.discovery = discovery.New(discovery.OptionsFromConfig(cfg))
	if err := d.discovery.Start(); err != nil {
		log.Error().Err(err).Msg("mDNS discovery failed to start, continuing without it")
	}

	log.Info().Msg("service started")
	return d, nil
}

// startPublishers subscribes one broker channel per enabled MQTT publisher.
func startPublishers(cfg *config.Instance, b *broker.Broker) []*publishers.MQTTPublisher {
	active := make([]*publishers.MQTTPublisher, 0)

	for _, mqttCfg := range cfg.GetMQTTPublishers() {
		// nil means enabled
		if mqttCfg.Enabled != nil && !*mqttCfg.Enabled {
			continue
		}

		log.Info().Str("broker", mqttCfg.Broker).Str("topic", mqttCfg.Topic).Msg("starting MQTT publisher")

		ch, id := b.Subscribe(subscriberBuffer)
		p := publishers.NewMQTTPublisher(mqttCfg.Broker, mqttCfg.Topic, mqttCfg.Filter)
		if err := p.Start(ch); err != nil {
			log.Error().Err(err).Str("broker", mqttCfg.Broker).Msg("failed to start MQTT publisher")
			b.Unsubscribe(id)
			continue
		}
		active = append(active, p)
	}

	if len(active) > 0 {
		log.Info().Msgf("started %d MQTT publisher(s)", len(active))
	}
	return active
}

// addr is the bound API address, useful when listening on port 0.
func (d *daemon) addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

func (d *daemon) stop() error {
	d.stopOnce.Do(func() {
		log.Info().Msg("stopping service")
		var errs []error

		if d.discovery != nil {
			d.discovery.Stop()
		}

		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := d.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down API server: %w", err))
			}
			cancel()
		}

		d.cancel()
		d.wg.Wait()
		<-d.broker.Done()

		for _, p := range d.publishers {
			p.Stop()
		}

		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close state database: %w", err))
		}

		d.stopErr = errors.Join(errs...)
		log.Info().Msg("service stopped")
	})
	return d.stopErr
}
