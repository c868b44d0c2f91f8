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

package homeassistant

import (
	"fmt"

	"github.com/mlipscombe/host-mate/config"
	"github.com/mlipscombe/host-mate/device"
)

// Sensor describes one published diagnostic. The catalog is fixed at
// startup; descriptors are never mutated afterwards.
type Sensor struct {
	Key            string
	Name           string
	Icon           string
	Unit           string
	DeviceClass    string
	StateClass     string
	EntityCategory string
	Precision      int
	// RateMetric marks throughput sensors whose raw bytes-per-second
	// values are converted to the configured display unit at publish
	// time.
	RateMetric bool
}

// DeviceBlock is the device section of a discovery payload. All sensors
// of one agent share it, which is how the consumer groups them into a
// single device.
type DeviceBlock struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name,omitempty"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	ModelID          string   `json:"model_id,omitempty"`
	SerialNumber     string   `json:"serial_number,omitempty"`
	HardwareVersion  string   `json:"hw_version,omitempty"`
	SoftwareVersion  string   `json:"sw_version,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
	SuggestedArea    string   `json:"suggested_area,omitempty"`
	ViaDevice        string   `json:"via_device,omitempty"`
}

// SensorPayload is the retained discovery body. Field order is fixed so
// that the same sensor always marshals to the same bytes: republishing
// an announcement must never look like a changed entity downstream.
type SensorPayload struct {
	Device            DeviceBlock `json:"device"`
	UniqueID          string      `json:"unique_id"`
	Name              string      `json:"name"`
	StateTopic        string      `json:"state_topic"`
	AvailabilityTopic string      `json:"availability_topic,omitempty"`
	UnitOfMeasurement string      `json:"unit_of_measurement,omitempty"`
	DeviceClass       string      `json:"device_class,omitempty"`
	StateClass        string      `json:"state_class,omitempty"`
	Icon              string      `json:"icon,omitempty"`
	EntityCategory    string      `json:"entity_category,omitempty"`
	DisplayPrecision  int         `json:"suggested_display_precision,omitempty"`
}

// BuildPayload assembles the discovery message for this sensor under the
// given identity. Deterministic: equal inputs produce equal payloads.
func (s Sensor) BuildPayload(identity *device.Identity, topicPrefix string, rateUnit config.RateUnit) SensorPayload {
	unit := s.Unit
	if s.RateMetric {
		unit = rateUnit.Label
	}
	return SensorPayload{
		Device: DeviceBlock{
			Identifiers:      identity.Identifiers,
			Name:             identity.Name,
			Manufacturer:     identity.Manufacturer,
			Model:            identity.Model,
			ModelID:          identity.ModelID,
			SerialNumber:     identity.SerialNumber,
			HardwareVersion:  identity.HardwareVersion,
			SoftwareVersion:  identity.SoftwareInfo,
			ConfigurationURL: identity.ConfigurationURL,
			SuggestedArea:    identity.SuggestedArea,
			ViaDevice:        identity.ViaDevice,
		},
		UniqueID:          fmt.Sprintf("%s_%s", identity.ID, s.Key),
		Name:              s.Name,
		StateTopic:        StateTopic(topicPrefix, identity.ID, s.Key),
		AvailabilityTopic: AvailabilityTopic(topicPrefix, identity.ID),
		UnitOfMeasurement: unit,
		DeviceClass:       s.DeviceClass,
		StateClass:        s.StateClass,
		Icon:              s.Icon,
		EntityCategory:    s.EntityCategory,
		DisplayPrecision:  s.Precision,
	}
}

// DiscoveryTopic returns the topic a sensor's retained configuration is
// announced on. Always recomputed so it can never drift from StateTopic.
func DiscoveryTopic(discoveryPrefix, deviceID, key string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, deviceID, key)
}

// StateTopic returns the topic a sensor's value is published on.
func StateTopic(topicPrefix, deviceID, key string) string {
	return fmt.Sprintf("%s/%s/%s/state", topicPrefix, deviceID, key)
}

// AvailabilityTopic returns the device's online/offline topic, shared by
// every sensor and used as the session's last will.
func AvailabilityTopic(topicPrefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/status", topicPrefix, deviceID)
}
