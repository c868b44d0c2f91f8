/*
 * This file is part of the host-mate distribution (https://github.com/mlipscombe/host-mate).
 * Copyright (c) 2024-2026 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

// Package homeassistant builds and publishes Home Assistant MQTT
// discovery and state messages for one device's diagnostic sensors.
package homeassistant

import (
	"github.com/mlipscombe/host-mate/config"
	"github.com/mlipscombe/host-mate/device"
	log "github.com/sirupsen/logrus"
)

// MessagePublisher is the slice of the MQTT client the publisher needs.
type MessagePublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte)
	PublishJSON(topic string, qos byte, retained bool, val interface{}) error
}

// Publisher emits discovery and state messages for a fixed identity and
// sensor catalog.
type Publisher struct {
	client          MessagePublisher
	identity        *device.Identity
	sensors         []Sensor
	discoveryPrefix string
	topicPrefix     string
	rateUnit        config.RateUnit
}

func NewPublisher(client MessagePublisher, identity *device.Identity, sensors []Sensor, discoveryPrefix, topicPrefix string, rateUnit config.RateUnit) *Publisher {
	return &Publisher{
		client:          client,
		identity:        identity,
		sensors:         sensors,
		discoveryPrefix: discoveryPrefix,
		topicPrefix:     topicPrefix,
		rateUnit:        rateUnit,
	}
}

// Sensors returns the catalog this publisher announces and publishes.
func (p *Publisher) Sensors() []Sensor {
	return p.sensors
}

// Announce publishes the retained discovery configuration for one
// sensor. Announcing the same sensor again produces a byte-identical
// payload, so republishes never disturb the existing entity.
func (p *Publisher) Announce(sensor Sensor) error {
	payload := sensor.BuildPayload(p.identity, p.topicPrefix, p.rateUnit)
	topic := DiscoveryTopic(p.discoveryPrefix, p.identity.ID, sensor.Key)
	return p.client.PublishJSON(topic, 1, true, payload)
}

// AnnounceAll publishes discovery configurations for the whole catalog.
// Called once at startup and again on every republish tick; the consumer
// side silently expires idle entities, so announcements have to be
// refreshed for as long as the agent runs.
func (p *Publisher) AnnounceAll() {
	for _, sensor := range p.sensors {
		if err := p.Announce(sensor); err != nil {
			log.Errorf("error building discovery message for %s (%s): %v", sensor.Name, sensor.Key, err)
			continue
		}
		log.Debugf("announced %s at %s", sensor.Name, DiscoveryTopic(p.discoveryPrefix, p.identity.ID, sensor.Key))
	}
	log.Infof("published %d entity discovery messages for %s", len(p.sensors), p.identity.ID)
}
