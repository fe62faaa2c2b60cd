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

const DefaultAPIListen = "127.0.0.1:8080"

type Service struct {
	APIListen       string     `toml:"api_listen,omitempty"`
	AllowedOrigins  []string   `toml:"allowed_origins,omitempty"`
	AdminAllowedIPs []string   `toml:"admin_allowed_ips,omitempty" validate:"dive,ip|cidr"`
	Discovery       Discovery  `toml:"discovery,omitempty"`
	Publishers      Publishers `toml:"publishers,omitempty"`
	MaxUploadBytes  int64      `toml:"max_upload_bytes,omitempty" validate:"gte=0"`
	RateLimit       *float64   `toml:"rate_limit,omitempty" validate:"omitempty,gt=0"`
	Metrics         *bool      `toml:"metrics,omitempty"`
}

type Publishers struct {
	MQTT []MQTTPublisher `toml:"mqtt,omitempty" validate:"dive"`
}

type MQTTPublisher struct {
	Enabled *bool    `toml:"enabled,omitempty"`
	Broker  string   `toml:"broker" validate:"required"`
	Topic   string   `toml:"topic" validate:"required"`
	Filter  []string `toml:"filter,omitempty,multiline"`
}

type Discovery struct {
	Enabled      *bool  `toml:"enabled,omitempty"`
	InstanceName string `toml:"instance_name,omitempty"`
}

const defaultRateLimit = 20

func (c *Instance) APIListen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.APIListen == "" {
		return DefaultAPIListen
	}
	return c.vals.Service.APIListen
}

func (c *Instance) SetAPIListen(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Service.APIListen = addr
}

func (c *Instance) AllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.AllowedOrigins
}

func (c *Instance) AdminAllowedIPs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.AdminAllowedIPs
}

// MaxUploadBytes is the upload body limit. Zero means unlimited.
func (c *Instance) MaxUploadBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.MaxUploadBytes
}

// RateLimit is the sustained requests per second allowed per client IP.
func (c *Instance) RateLimit() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.RateLimit == nil {
		return defaultRateLimit
	}
	return *c.vals.Service.RateLimit
}

func (c *Instance) MetricsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.Metrics == nil {
		return true
	}
	return *c.vals.Service.Metrics
}

func (c *Instance) GetMQTTPublishers() []MQTTPublisher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.Publishers.MQTT
}

func (c *Instance) DiscoveryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.Discovery.Enabled == nil {
		return false
	}
	return *c.vals.Service.Discovery.Enabled
}

func (c *Instance) DiscoveryInstanceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.Discovery.InstanceName
}
