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

// Package diag reads the host diagnostics the agent publishes: CPU,
// memory, disk, load, temperature, uptime and network throughput. A
// reading that cannot be taken is logged and left out of the result;
// downstream treats a missing key as "unavailable" rather than zero.
package diag

import (
	"context"
	"math"
	"strings"

	"github.com/mlipscombe/host-mate/device"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

// Collector takes one reading of every diagnostic per call. It is only
// ever invoked from the state tick, so no internal locking is needed
// beyond what the network monitor does for its own sampler.
type Collector struct {
	netmon    *NetMonitor
	diskPath  string
	keyTX     string
	keyRX     string
	cpuPrimed bool
}

// NewCollector builds a collector. netmon may be nil when the host has
// no usable network interface; the network readings are then never
// produced.
func NewCollector(netmon *NetMonitor) *Collector {
	c := &Collector{
		netmon:   netmon,
		diskPath: "/",
	}
	if netmon != nil {
		slug := device.Slug(netmon.Interface())
		c.keyTX = slug + "_tx"
		c.keyRX = slug + "_rx"
	}
	return c
}

// Collect returns the current value of every readable metric, keyed by
// sensor key. Numeric values are float64, text values are string. A
// failed reading is logged at warning level and omitted; one metric's
// failure never affects the others.
func (c *Collector) Collect(ctx context.Context) map[string]interface{} {
	values := make(map[string]interface{})

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.Warnf("reading host info: %v", err)
	} else {
		if info.Hostname != "" {
			values["hostname"] = info.Hostname
		}
		putFloat(values, "uptime", float64(info.Uptime))
	}

	// Interval zero measures utilisation since the previous call, so
	// the tick cadence itself is the sampling window.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		log.Warnf("reading cpu usage: %v", err)
	} else {
		c.putCPU(values, pcts)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warnf("reading memory usage: %v", err)
	} else {
		putFloat(values, "memory_usage", vm.UsedPercent)
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err != nil {
		log.Warnf("reading disk usage for %s: %v", c.diskPath, err)
	} else {
		putFloat(values, "disk_usage", usage.UsedPercent)
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		log.Warnf("reading load average: %v", err)
	} else {
		putFloat(values, "load_1m", avg.Load1)
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err != nil {
		log.Debugf("reading temperature sensors: %v", err)
	} else if temp, ok := selectTemperature(temps); ok {
		putFloat(values, "cpu_temperature", temp)
	}

	if c.netmon != nil {
		values["ethernet_interface"] = c.netmon.Interface()
		if tx, rx, ok := c.netmon.Throughput(); ok {
			putFloat(values, c.keyTX, tx)
			putFloat(values, c.keyRX, rx)
		}
	}

	return values
}

// putCPU records a cpu reading. The first sample spans process start
// rather than one tick and is discarded; every later sample is kept,
// including an idle reading of exactly 0.
func (c *Collector) putCPU(values map[string]interface{}, pcts []float64) {
	if len(pcts) == 0 {
		return
	}
	if !c.cpuPrimed {
		c.cpuPrimed = true
		return
	}
	putFloat(values, "cpu_usage", pcts[0])
}

func putFloat(values map[string]interface{}, key string, val float64) {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return
	}
	values[key] = val
}

// temperaturePreference orders sensor keys from most to least likely to
// be the CPU die temperature across the platforms the agent runs on.
var temperaturePreference = []string{"cpu_thermal", "soc_thermal", "coretemp", "k10temp", "cpu"}

func selectTemperature(stats []host.TemperatureStat) (float64, bool) {
	for _, pref := range temperaturePreference {
		for _, s := range stats {
			if strings.Contains(s.SensorKey, pref) && s.Temperature > 0 {
				return s.Temperature, true
			}
		}
	}
	for _, s := range stats {
		if s.Temperature > 0 {
			return s.Temperature, true
		}
	}
	return 0, false
}
