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

package diag

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/mlipscombe/host-mate/device"
	"github.com/shirou/gopsutil/v3/host"
	log "github.com/sirupsen/logrus"
)

const (
	deviceTreeModelPath  = "/proc/device-tree/model"
	deviceTreeSerialPath = "/proc/device-tree/serial-number"
)

// ReadHardwareInfo gathers the real-hardware identity source. Single
// board computers expose model and serial through the device tree; other
// hosts fall back to the platform description and machine ID. The serial
// is always non-empty so the device keeps a stable identifier even on
// minimal systems.
func ReadHardwareInfo(ctx context.Context) device.HardwareInfo {
	hw := device.HardwareInfo{}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Warnf("reading host info: %v", err)
	} else {
		hw.Hostname = info.Hostname
	}
	if hw.Hostname == "" {
		if name, err := os.Hostname(); err == nil {
			hw.Hostname = name
		}
	}

	if model, ok := readDeviceTree(deviceTreeModelPath); ok {
		hw.Model = model
		if strings.HasPrefix(model, "Raspberry Pi") {
			hw.Manufacturer = "Raspberry Pi"
		}
	} else if info != nil && info.Platform != "" {
		hw.Model = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}

	if serial, ok := readDeviceTree(deviceTreeSerialPath); ok {
		hw.SerialNumber = serial
	} else if info != nil && info.HostID != "" {
		hw.SerialNumber = info.HostID
	} else {
		hw.SerialNumber = hostnameDigest(hw.Hostname)
	}

	return hw
}

// readDeviceTree reads a device tree property, which is NUL terminated.
func readDeviceTree(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(strings.Trim(string(data), "\x00"))
	if value == "" {
		return "", false
	}
	return value, true
}

func hostnameDigest(hostname string) string {
	sum := sha256.Sum256([]byte(hostname))
	return fmt.Sprintf("%x", sum)[:16]
}
