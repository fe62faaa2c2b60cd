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

package publishers

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-storage/pkg/api/models"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
	// lifecycle events are worth a broker ack
	publishQoS = 1
)

var ErrPublishTimeout = errors.New("timed out waiting for publish ack")

// MQTTPublisher forwards pool notifications to an MQTT broker. Each
// notification goes to <topic>/<method>, e.g. storage/devices.mounted.
type MQTTPublisher struct {
	client    mqtt.Client
	newClient func(*mqtt.ClientOptions) mqtt.Client
	stopCh    chan struct{}
	broker    string
	topic     string
	filter    []string
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewMQTTPublisher creates a publisher for broker (host:port or a full URL)
// and base topic. An empty filter publishes everything. Filter entries match
// a method exactly, or a whole namespace when written as "devices.*".
func NewMQTTPublisher(broker, topic string, filter []string) *MQTTPublisher {
	return &MQTTPublisher{
		broker:    broker,
		topic:     strings.TrimSuffix(topic, "/"),
		filter:    filter,
		stopCh:    make(chan struct{}),
		newClient: mqtt.NewClient,
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Start connects and begins publishing from notifications. Connection is
// retried in the background by the client, so a broker that is down at
// startup is not fatal once the first attempt has been made.
func (p *MQTTPublisher) Start(notifications <-chan models.Notification) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.broker))
	opts.SetClientID("zaparoo-storage-" + uuid.New().String()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)

	opts.OnConnect = func(_ mqtt.Client) {
		log.Info().Str("broker", p.broker).Msg("mqtt publisher: connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", p.broker).Msg("mqtt publisher: connection lost")
	}

	p.client = p.newClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		log.Warn().Str("broker", p.broker).Msg("mqtt publisher: broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	p.wg.Add(1)
	go p.publishNotifications(notifications)

	return nil
}

// Stop ends the publish loop and disconnects. It is safe to call more than
// once.
func (p *MQTTPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		if p.client != nil && p.client.IsConnected() {
			log.Debug().Msg("mqtt publisher: disconnecting")
			p.client.Disconnect(disconnectQuiesce)
		}
	})
}

func (p *MQTTPublisher) publishNotifications(notifications <-chan models.Notification) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case notif, ok := <-notifications:
			if !ok {
				log.Debug().Msg("mqtt publisher: notification channel closed")
				return
			}
			if !p.matchesFilter(notif.Method) {
				continue
			}
			if err := p.publish(notif); err != nil {
				log.Error().Err(err).Str("method", notif.Method).Msg("mqtt publisher: failed to publish")
			}
		}
	}
}

func (p *MQTTPublisher) publish(notif models.Notification) error {
	payload := []byte(notif.Params)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	token := p.client.Publish(p.topicFor(notif.Method), publishQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", notif.Method, err)
	}

	log.Debug().Str("method", notif.Method).Msg("mqtt publisher: published notification")
	return nil
}

func (p *MQTTPublisher) topicFor(method string) string {
	return p.topic + "/" + method
}

func (p *MQTTPublisher) matchesFilter(method string) bool {
	if len(p.filter) == 0 {
		return true
	}
	for _, f := range p.filter {
		if f == method {
			return true
		}
		if ns, ok := strings.CutSuffix(f, ".*"); ok && strings.HasPrefix(method, ns+".") {
			return true
		}
	}
	return false
}
