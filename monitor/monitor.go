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

// Package monitor runs the agent's two clocks: the state publish cadence
// and the slower discovery republish cadence. Discovery has to be
// refreshed periodically because the consuming platform silently marks
// entities unavailable after a period without announcements.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// State is the scheduler lifecycle state.
type State int32

const (
	Starting State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Collector produces the current metric values. It is invoked only from
// the state tick, one call at a time.
type Collector interface {
	Collect(ctx context.Context) map[string]interface{}
}

// Publisher emits discovery and state messages for the device.
type Publisher interface {
	AnnounceAll()
	PublishValues(values map[string]interface{})
}

// Session is the part of the broker connection the scheduler drives
// during shutdown and watches for unrecoverable failures.
type Session interface {
	Fatal() <-chan error
	Close(grace time.Duration)
}

const defaultShutdownGrace = 5 * time.Second

// Scheduler owns the publish lifecycle: announce everything once, then
// run the state and discovery ticks independently until stopped.
type Scheduler struct {
	// ShutdownGrace bounds how long Close may spend flushing queued
	// publishes once the periodic tasks have stopped.
	ShutdownGrace time.Duration

	collector Collector
	publisher Publisher
	session   Session
	deviceID  string

	publishInterval   time.Duration
	republishInterval time.Duration

	state    atomic.Int32
	announce chan struct{}
	gauges   map[string]*prometheus.GaugeVec
}

func NewScheduler(collector Collector, publisher Publisher, session Session, deviceID string, publishInterval, republishInterval time.Duration) *Scheduler {
	if republishInterval < publishInterval {
		log.Warnf("republish interval %s is less than publish interval %s, clamping", republishInterval, publishInterval)
		republishInterval = publishInterval
	}
	return &Scheduler{
		ShutdownGrace:     defaultShutdownGrace,
		collector:         collector,
		publisher:         publisher,
		session:           session,
		deviceID:          deviceID,
		publishInterval:   publishInterval,
		republishInterval: republishInterval,
		announce:          make(chan struct{}, 1),
		gauges:            make(map[string]*prometheus.GaugeVec),
	}
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// TriggerAnnounce requests one out-of-cycle discovery burst, used when
// the consuming platform signals a restart. Never blocks; a pending
// request is enough.
func (s *Scheduler) TriggerAnnounce() {
	select {
	case s.announce <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled or the session fails
// fatally. Every known sensor is announced before the first state
// publish. On return both periodic tasks have stopped and the session
// has been closed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(Starting)
	s.publisher.AnnounceAll()

	s.setState(Running)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.stateLoop(runCtx, &wg)
	go s.discoveryLoop(runCtx, &wg)

	var fatalErr error
	select {
	case <-ctx.Done():
	case err := <-s.session.Fatal():
		log.Errorf("broker session failed: %v", err)
		fatalErr = err
	}

	s.setState(Stopping)
	cancel()
	wg.Wait()
	s.session.Close(s.ShutdownGrace)
	log.Info("scheduler stopped")
	return fatalErr
}

// stateLoop publishes current values on the publish cadence. The first
// batch goes out immediately on entering Running; afterwards the ticker
// drops any ticks missed during a stall instead of queueing them up.
func (s *Scheduler) stateLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	s.publishOnce(ctx)
	ticker := time.NewTicker(s.publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishOnce(ctx)
		}
	}
}

func (s *Scheduler) publishOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	values := s.collector.Collect(ctx)
	s.publisher.PublishValues(values)
	s.updateGauges(values)
}

// discoveryLoop re-announces the whole catalog on the republish cadence
// and whenever an out-of-cycle burst is requested. The initial burst
// happened before this loop started.
func (s *Scheduler) discoveryLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(s.republishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug("republishing discovery messages")
			s.publisher.AnnounceAll()
		case <-s.announce:
			log.Info("re-announcing entities on external request")
			s.publisher.AnnounceAll()
		}
	}
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
	log.Debugf("scheduler state: %s", state)
}

// updateGauges mirrors numeric values into prometheus, registering one
// gauge per metric on first sight. Only touched from the state tick.
func (s *Scheduler) updateGauges(values map[string]interface{}) {
	for key, value := range values {
		v, ok := value.(float64)
		if !ok {
			continue
		}
		gauge := s.gauges[key]
		if gauge == nil {
			gauge = prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "host_mate",
					Subsystem: "diag",
					Name:      key,
				},
				[]string{"device"},
			)
			if err := prometheus.Register(gauge); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					gauge = are.ExistingCollector.(*prometheus.GaugeVec)
				} else {
					log.Warnf("registering gauge %s: %v", key, err)
					continue
				}
			}
			s.gauges[key] = gauge
		}
		gauge.WithLabelValues(s.deviceID).Set(v)
	}
}
