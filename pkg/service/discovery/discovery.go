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

// Package discovery advertises the storage API over mDNS so clients on the
// LAN can find the pool without configuring an address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/config"
	"github.com/ZaparooProject/zaparoo-storage/pkg/helpers/syncutil"
	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	ServiceType = "_zaparoo-storage._tcp"
	domain      = "local."

	retryInterval    = 30 * time.Second
	maxRetryDuration = 5 * time.Minute
)

// virtualInterfacePrefixes lists container and VPN interface names that are
// never advertised on.
var virtualInterfacePrefixes = []string{
	"docker", "br-", "veth", "virbr", "lxc", "lxd",
	"cni", "flannel", "cali", "tunl", "wg",
}

func filterInterfaces(ifaces []net.Interface) []net.Interface {
	var preferred []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		preferred = append(preferred, iface)
	}
	return preferred
}

func isVirtualInterface(name string) bool {
	lowerName := strings.ToLower(name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(lowerName, prefix) {
			return true
		}
	}
	return false
}

// advertisePort extracts the port from the API listen address. It reports
// false when the API only listens on loopback, since nothing on the network
// could reach it.
func advertisePort(listen string) (int, bool, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, false, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false, fmt.Errorf("invalid port in listen address %q", listen)
	}
	if host == "localhost" {
		return port, false, nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return port, false, nil
	}
	return port, true, nil
}

type server interface {
	Shutdown()
}

type registerFunc func(
	instance, service, domain string,
	port int,
	text []string,
	ifaces []net.Interface,
) (server, error)

func zeroconfRegister(
	instance, service, domain string,
	port int,
	text []string,
	ifaces []net.Interface,
) (server, error) {
	s, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, fmt.Errorf("zeroconf register: %w", err)
	}
	return s, nil
}

type Options struct {
	InstanceName string
	Listen       string
	Enabled      bool
}

// OptionsFromConfig reads the discovery settings from cfg.
func OptionsFromConfig(cfg *config.Instance) Options {
	return Options{
		Enabled:      cfg.DiscoveryEnabled(),
		InstanceName: cfg.DiscoveryInstanceName(),
		Listen:       cfg.APIListen(),
	}
}

// Service manages the mDNS advertisement.
type Service struct {
	server       server
	register     registerFunc
	interfaces   func() ([]net.Interface, error)
	hostname     func() (string, error)
	clock        clockwork.Clock
	cancelFunc   context.CancelFunc
	instanceName string
	opts         Options
	wg           sync.WaitGroup
	port         int
	stopped      bool
	mu           syncutil.Mutex
}

func New(opts Options) *Service {
	return &Service{
		opts:       opts,
		register:   zeroconfRegister,
		interfaces: net.Interfaces,
		hostname:   os.Hostname,
		clock:      clockwork.NewRealClock(),
	}
}

// Start begins advertising. When the network is not ready yet registration
// is retried in the background for a while. Only a bad configuration is
// returned as an error.
func (s *Service) Start() error {
	if !s.opts.Enabled {
		log.Info().Msg("mDNS discovery disabled by configuration")
		return nil
	}

	port, reachable, err := advertisePort(s.opts.Listen)
	if err != nil {
		return err
	}
	if !reachable {
		log.Warn().Str("listen", s.opts.Listen).
			Msg("API listens on loopback only, not advertising over mDNS")
		return nil
	}
	s.port = port
	s.instanceName = s.resolveInstanceName()

	if s.tryRegister() {
		return nil
	}

	log.Info().
		Dur("retryInterval", retryInterval).
		Dur("maxDuration", maxRetryDuration).
		Msg("mDNS registration failed, retrying in background")

	ctx, cancel := context.WithTimeout(context.Background(), maxRetryDuration)
	s.mu.Lock()
	s.cancelFunc = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.retryLoop(ctx)

	return nil
}

func (s *Service) txtRecords() []string {
	return []string{
		"version=" + config.AppVersion,
		"upload=/upload",
		"files=/files",
	}
}

func (s *Service) tryRegister() bool {
	all, err := s.interfaces()
	if err != nil {
		log.Debug().Err(err).Msg("failed to list network interfaces")
		return false
	}
	ifaces := filterInterfaces(all)
	if len(ifaces) == 0 {
		log.Debug().Msg("no suitable network interfaces found for mDNS")
		return false
	}

	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}

	srv, err := s.register(s.instanceName, ServiceType, domain, s.port, s.txtRecords(), ifaces)
	if err != nil {
		log.Debug().Err(err).Msg("mDNS registration attempt failed")
		return false
	}

	s.mu.Lock()
	// Stop ran while registering
	if s.stopped {
		s.mu.Unlock()
		srv.Shutdown()
		return false
	}
	s.server = srv
	s.mu.Unlock()

	log.Info().
		Str("instance", s.instanceName).
		Int("port", s.port).
		Str("type", ServiceType).
		Strs("interfaces", names).
		Msg("mDNS service advertising started")
	return true
}

func (s *Service) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if s.tryRegister() {
				log.Info().Msg("mDNS registration succeeded after retry")
				return
			}
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				log.Warn().Msg("mDNS registration retry timed out, discovery will not be available")
			}
			return
		}
	}
}

// Stop withdraws the advertisement. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	s.wg.Wait()

	if srv != nil {
		log.Debug().Msg("stopping mDNS service advertising")
		srv.Shutdown()
	}
}

func (s *Service) InstanceName() string {
	return s.instanceName
}

// resolveInstanceName prefers the configured name, then the hostname.
func (s *Service) resolveInstanceName() string {
	if s.opts.InstanceName != "" {
		return s.opts.InstanceName
	}
	hostname, err := s.hostname()
	if err != nil || hostname == "" {
		log.Warn().Err(err).Msg("failed to get hostname, using fallback instance name")
		return "zaparoo-storage"
	}
	return hostname
}
