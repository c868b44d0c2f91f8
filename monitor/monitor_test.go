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

package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCollector struct {
	mu     sync.Mutex
	tick   int
	values func(tick int) map[string]interface{}
}

func (f *fakeCollector) Collect(ctx context.Context) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tick++
	if f.values == nil {
		return map[string]interface{}{"cpu_usage": float64(f.tick)}
	}
	return f.values(f.tick)
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []string
	announces int
	batches   []map[string]interface{}
}

func (f *fakePublisher) AnnounceAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces++
	f.events = append(f.events, "announce")
}

func (f *fakePublisher) PublishValues(values map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make(map[string]interface{}, len(values))
	for k, v := range values {
		batch[k] = v
	}
	f.batches = append(f.batches, batch)
	f.events = append(f.events, "state")
}

func (f *fakePublisher) snapshot() (int, []map[string]interface{}, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batches := make([]map[string]interface{}, len(f.batches))
	copy(batches, f.batches)
	events := make([]string, len(f.events))
	copy(events, f.events)
	return f.announces, batches, events
}

type fakeSession struct {
	fatal  chan error
	mu     sync.Mutex
	closed bool
	grace  time.Duration
}

func newFakeSession() *fakeSession {
	return &fakeSession{fatal: make(chan error, 1)}
}

func (f *fakeSession) Fatal() <-chan error {
	return f.fatal
}

func (f *fakeSession) Close(grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.grace = grace
}

func (f *fakeSession) closedWith() (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.grace
}

func TestSchedulerAnnouncesBeforeFirstState(t *testing.T) {
	publisher := &fakePublisher{}
	session := newFakeSession()
	scheduler := NewScheduler(&fakeCollector{}, publisher, session, "pi_lounge", 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	_, batches, events := publisher.snapshot()
	if len(events) == 0 || events[0] != "announce" {
		t.Errorf("first event = %q, want announce", events)
	}
	if len(batches) < 2 {
		t.Errorf("state batches = %d, want at least 2", len(batches))
	}
}

func TestSchedulerDualCadence(t *testing.T) {
	publisher := &fakePublisher{}
	session := newFakeSession()
	scheduler := NewScheduler(&fakeCollector{}, publisher, session, "pi_lounge", 20*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	announces, batches, _ := publisher.snapshot()
	if announces < 2 {
		t.Errorf("announce bursts = %d, want at least 2 (initial plus republish)", announces)
	}
	if len(batches) < 8 {
		t.Errorf("state batches = %d, want at least 8", len(batches))
	}
	if announces >= len(batches) {
		t.Errorf("announce bursts = %d, state batches = %d; discovery cadence should be the slower one", announces, len(batches))
	}
}

func TestSchedulerPassesValuesThrough(t *testing.T) {
	collector := &fakeCollector{
		values: func(tick int) map[string]interface{} {
			values := map[string]interface{}{
				"hostname":  "pi-lounge",
				"cpu_usage": 42.5,
			}
			if tick != 2 {
				values["cpu_temperature"] = 55.1
			}
			return values
		},
	}
	publisher := &fakePublisher{}
	session := newFakeSession()
	scheduler := NewScheduler(collector, publisher, session, "pi_lounge", 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	_, batches, _ := publisher.snapshot()
	if len(batches) < 3 {
		t.Fatalf("state batches = %d, want at least 3", len(batches))
	}
	if _, ok := batches[0]["cpu_temperature"]; !ok {
		t.Error("batch 1 is missing cpu_temperature")
	}
	if _, ok := batches[1]["cpu_temperature"]; ok {
		t.Error("batch 2 has cpu_temperature, want it absent")
	}
	if _, ok := batches[2]["cpu_temperature"]; !ok {
		t.Error("batch 3 is missing cpu_temperature")
	}
	for i, batch := range batches {
		if batch["hostname"] != "pi-lounge" {
			t.Errorf("batch %d hostname = %v, want pi-lounge", i+1, batch["hostname"])
		}
	}
}

func TestSchedulerTriggerAnnounce(t *testing.T) {
	publisher := &fakePublisher{}
	session := newFakeSession()
	scheduler := NewScheduler(&fakeCollector{}, publisher, session, "pi_lounge", 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	scheduler.TriggerAnnounce()

	if err := <-done; err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	announces, _, _ := publisher.snapshot()
	if announces != 2 {
		t.Errorf("announce bursts = %d, want 2 (initial plus trigger)", announces)
	}
}

func TestSchedulerTriggerAnnounceCoalesces(t *testing.T) {
	scheduler := NewScheduler(&fakeCollector{}, &fakePublisher{}, newFakeSession(), "pi_lounge", 20*time.Millisecond, time.Hour)
	for i := 0; i < 10; i++ {
		scheduler.TriggerAnnounce()
	}
	if len(scheduler.announce) != 1 {
		t.Errorf("pending announce requests = %d, want 1", len(scheduler.announce))
	}
}

func TestSchedulerFatalSessionError(t *testing.T) {
	publisher := &fakePublisher{}
	session := newFakeSession()
	scheduler := NewScheduler(&fakeCollector{}, publisher, session, "pi_lounge", 20*time.Millisecond, time.Hour)

	fatal := errors.New("not authorized")
	go func() {
		time.Sleep(60 * time.Millisecond)
		session.fatal <- fatal
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := scheduler.Run(ctx)
	if !errors.Is(err, fatal) {
		t.Errorf("Run() = %v, want %v", err, fatal)
	}
	if closed, _ := session.closedWith(); !closed {
		t.Error("session was not closed after fatal error")
	}
}

func TestSchedulerShutdown(t *testing.T) {
	publisher := &fakePublisher{}
	session := newFakeSession()
	scheduler := NewScheduler(&fakeCollector{}, publisher, session, "pi_lounge", 20*time.Millisecond, time.Hour)
	scheduler.ShutdownGrace = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	time.Sleep(70 * time.Millisecond)
	cancel()

	start := time.Now()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took %s, want well under a second", elapsed)
	}

	if got := scheduler.State(); got != Stopping {
		t.Errorf("State() = %s, want %s", got, Stopping)
	}
	closed, grace := session.closedWith()
	if !closed {
		t.Error("session was not closed")
	}
	if grace != 2*time.Second {
		t.Errorf("Close grace = %s, want 2s", grace)
	}

	announcesAfter, batchesAfter, _ := publisher.snapshot()
	time.Sleep(80 * time.Millisecond)
	announcesLater, batchesLater, _ := publisher.snapshot()
	if announcesLater != announcesAfter || len(batchesLater) != len(batchesAfter) {
		t.Error("publishes continued after Run returned")
	}
}

func TestSchedulerClampsRepublishInterval(t *testing.T) {
	scheduler := NewScheduler(&fakeCollector{}, &fakePublisher{}, newFakeSession(), "pi_lounge", 10*time.Second, 3*time.Second)
	if scheduler.republishInterval != 10*time.Second {
		t.Errorf("republishInterval = %s, want clamped to 10s", scheduler.republishInterval)
	}

	scheduler = NewScheduler(&fakeCollector{}, &fakePublisher{}, newFakeSession(), "pi_lounge", 5*time.Second, 300*time.Second)
	if scheduler.republishInterval != 300*time.Second {
		t.Errorf("republishInterval = %s, want 300s untouched", scheduler.republishInterval)
	}
}

func TestSchedulerStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{Starting, "starting"},
		{Running, "running"},
		{Stopping, "stopping"},
		{State(42), "unknown"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("State(%d).String() = %q, want %q", c.state, got, c.want)
		}
	}
}

func TestUpdateGaugesSkipsNonNumeric(t *testing.T) {
	scheduler := NewScheduler(&fakeCollector{}, &fakePublisher{}, newFakeSession(), "pi_lounge", time.Second, time.Minute)
	scheduler.updateGauges(map[string]interface{}{
		"cpu_usage": 42.5,
		"hostname":  "pi-lounge",
		"uptime":    float64(86400),
	})
	if len(scheduler.gauges) != 2 {
		t.Errorf("registered gauges = %d, want 2", len(scheduler.gauges))
	}
	if _, ok := scheduler.gauges["hostname"]; ok {
		t.Error("text metric hostname was given a gauge")
	}
}
