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
	"fmt"
	"net"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"
)

const sampleInterval = time.Second

// NetMonitor samples one interface's byte counters in the background and
// derives throughput in raw bytes per second. Display unit conversion
// happens at publish time, never here, so a configuration change does
// not require re-measuring.
type NetMonitor struct {
	iface string

	mu       sync.RWMutex
	tx       float64
	rx       float64
	valid    bool
	lastSent uint64
	lastRecv uint64
	lastAt   time.Time
}

func NewNetMonitor(iface string) *NetMonitor {
	return &NetMonitor{iface: iface}
}

// Interface returns the monitored interface name.
func (m *NetMonitor) Interface() string {
	return m.iface
}

// Throughput returns the latest TX and RX rates in bytes per second.
// ok is false until two samples have been taken.
func (m *NetMonitor) Throughput() (tx, rx float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tx, m.rx, m.valid
}

// Run samples the interface until ctx is cancelled. Intended to be
// started as a goroutine before the scheduler.
func (m *NetMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *NetMonitor) sample(ctx context.Context) {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		log.Warnf("reading %s counters: %v", m.iface, err)
		return
	}
	for _, c := range counters {
		if c.Name == m.iface {
			m.observe(c.BytesSent, c.BytesRecv, time.Now())
			return
		}
	}
	log.Warnf("interface %s not found in io counters", m.iface)
}

// observe folds one counter reading into the rates. Split out from
// sample so the arithmetic can be driven with fixed timestamps.
func (m *NetMonitor) observe(sent, recv uint64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastAt.IsZero() {
		if elapsed := at.Sub(m.lastAt); elapsed > 0 {
			m.tx = rate(m.lastSent, sent, elapsed)
			m.rx = rate(m.lastRecv, recv, elapsed)
			m.valid = true
		}
	}
	m.lastSent = sent
	m.lastRecv = recv
	m.lastAt = at
}

// rate computes bytes per second from a counter delta. A counter that
// went backwards (interface reset) yields 0 for that window.
func rate(prev, cur uint64, elapsed time.Duration) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed.Seconds()
}

// PickInterface resolves the interface to monitor. A configured name is
// verified to exist; otherwise the first interface that is up, not a
// loopback and has a hardware address is chosen. Returns "" when the
// host has no such interface, in which case network sensors are simply
// not offered.
func PickInterface(preferred string) (string, error) {
	if preferred != "" {
		if _, err := net.InterfaceByName(preferred); err != nil {
			return "", fmt.Errorf("network interface %q: %w", preferred, err)
		}
		return preferred, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.Name, nil
	}
	return "", nil
}
