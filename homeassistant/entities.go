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

	"github.com/mlipscombe/host-mate/device"
)

// Sensors returns the default diagnostic catalog. iface is the monitored
// network interface; when empty (no usable interface on the host) the
// network sensors are left out of the catalog entirely, so they are
// neither announced nor published.
func Sensors(iface string) []Sensor {
	sensors := []Sensor{
		{
			Key:            "hostname",
			Name:           "Hostname",
			EntityCategory: "diagnostic",
		},
		{
			Key:            "cpu_temperature",
			Name:           "CPU Temperature",
			Icon:           "mdi:thermometer",
			Unit:           "°C",
			DeviceClass:    "temperature",
			StateClass:     "measurement",
			EntityCategory: "diagnostic",
			Precision:      1,
		},
		{
			Key:            "cpu_usage",
			Name:           "CPU Usage",
			Icon:           "mdi:cpu-64-bit",
			Unit:           "%",
			StateClass:     "measurement",
			EntityCategory: "diagnostic",
			Precision:      1,
		},
		{
			Key:            "memory_usage",
			Name:           "Memory Usage",
			Icon:           "mdi:memory",
			Unit:           "%",
			StateClass:     "measurement",
			EntityCategory: "diagnostic",
			Precision:      1,
		},
		{
			Key:            "disk_usage",
			Name:           "Disk Usage",
			Icon:           "mdi:harddisk",
			Unit:           "%",
			StateClass:     "measurement",
			EntityCategory: "diagnostic",
			Precision:      1,
		},
		{
			Key:            "load_1m",
			Name:           "Load Average (1m)",
			Icon:           "mdi:gauge",
			StateClass:     "measurement",
			EntityCategory: "diagnostic",
			Precision:      2,
		},
		{
			Key:            "uptime",
			Name:           "Uptime",
			Icon:           "mdi:timer-outline",
			Unit:           "s",
			DeviceClass:    "duration",
			StateClass:     "total_increasing",
			EntityCategory: "diagnostic",
		},
	}

	if iface != "" {
		slug := device.Slug(iface)
		sensors = append(sensors,
			Sensor{
				Key:            "ethernet_interface",
				Name:           "Ethernet Interface",
				Icon:           "mdi:ethernet",
				EntityCategory: "diagnostic",
			},
			Sensor{
				Key:            fmt.Sprintf("%s_tx", slug),
				Name:           fmt.Sprintf("%s TX", iface),
				Icon:           "mdi:upload",
				DeviceClass:    "data_rate",
				StateClass:     "measurement",
				EntityCategory: "diagnostic",
				Precision:      2,
				RateMetric:     true,
			},
			Sensor{
				Key:            fmt.Sprintf("%s_rx", slug),
				Name:           fmt.Sprintf("%s RX", iface),
				Icon:           "mdi:download",
				DeviceClass:    "data_rate",
				StateClass:     "measurement",
				EntityCategory: "diagnostic",
				Precision:      2,
				RateMetric:     true,
			},
		)
	}

	return sensors
}
