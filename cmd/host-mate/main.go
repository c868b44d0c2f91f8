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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	healthz "github.com/klyve/go-healthz"
	"github.com/mlipscombe/host-mate/config"
	"github.com/mlipscombe/host-mate/device"
	"github.com/mlipscombe/host-mate/diag"
	"github.com/mlipscombe/host-mate/homeassistant"
	"github.com/mlipscombe/host-mate/monitor"
	"github.com/mlipscombe/host-mate/mqtt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Version is the agent version advertised in discovery payloads.
// Overridden at build time with -ldflags "-X main.Version=...".
var Version = "1.2.0"

// overrideFromConfig maps the fake-device flags onto the identity override.
func overrideFromConfig(cfg *config.Config) device.Override {
	return device.Override{
		Enabled:          cfg.FakeDevice,
		Identifiers:      cfg.FakeIdentifiers,
		Manufacturer:     cfg.FakeManufacturer,
		Model:            cfg.FakeModel,
		ModelID:          cfg.FakeModelID,
		SerialNumber:     cfg.FakeSerial,
		HardwareVersion:  cfg.FakeHWVersion,
		SoftwareInfo:     cfg.FakeSWInfo,
		ConfigurationURL: cfg.FakeConfigURL,
		SuggestedArea:    cfg.FakeArea,
		ViaDevice:        cfg.FakeViaDevice,
	}
}

func main() {
	cfg := config.Load()
	cfg.SetupLogging()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Bind != "false" {
		go func(listenAddress string) {
			log.Infof("Starting metrics server on %s", listenAddress)
			instance := healthz.Instance{
				Logger:   log.New(),
				Detailed: true,
			}

			http.Handle("/metrics", promhttp.Handler())
			http.Handle("/healthz", instance.Healthz())
			http.Handle("/liveness", instance.Liveness())

			if err := http.ListenAndServe(listenAddress, nil); err != nil {
				log.Errorf("HTTP server error: %v", err)
			}
		}(cfg.Bind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hw := diag.ReadHardwareInfo(ctx)
	hw.SoftwareInfo = fmt.Sprintf("host-mate %s", Version)

	identity, err := device.Resolve(hw, cfg.DeviceName, overrideFromConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to resolve device identity: %v", err)
	}
	log.Infof("Publishing as device %q (id: %s, serial: %s)", identity.Name, identity.ID, identity.SerialNumber)

	iface, err := diag.PickInterface(cfg.NetInterface)
	if err != nil {
		log.Warnf("Network monitoring disabled: %v", err)
		iface = ""
	} else if iface == "" {
		log.Warn("No usable network interface found, network monitoring disabled")
	}

	var netmon *diag.NetMonitor
	if iface != "" {
		netmon = diag.NewNetMonitor(iface)
		go netmon.Run(ctx)
		log.Infof("Monitoring network interface %s", iface)
	}

	rateUnit, err := config.ParseRateUnit(cfg.NetUnit)
	if err != nil {
		log.Fatalf("Invalid network unit: %v", err)
	}

	mqttURL, err := url.Parse(cfg.MQTTURL)
	if err != nil {
		log.Fatalf("Invalid MQTT URI: %s", cfg.MQTTURL)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("host-mate-%s", identity.ID)
	}

	availabilityTopic := homeassistant.AvailabilityTopic(cfg.TopicPrefix, identity.ID)
	client := mqtt.NewClient(mqttURL, clientID, availabilityTopic)

	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Interrupted before broker connection was established")
			return
		}
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	log.Infof("Connected to MQTT broker %s as %s", mqttURL.Host, clientID)

	publisher := homeassistant.NewPublisher(client, identity, homeassistant.Sensors(iface), cfg.DiscoveryPrefix, cfg.TopicPrefix, rateUnit)
	log.Infof("Publishing %d sensors for %q every %ds", len(publisher.Sensors()), identity.Name, cfg.PublishInterval)
	collector := diag.NewCollector(netmon)
	scheduler := monitor.NewScheduler(collector, publisher, client, identity.ID,
		time.Duration(cfg.PublishInterval)*time.Second,
		time.Duration(cfg.RepublishInterval)*time.Second)

	// The discovery consumer announces its own restarts on the status
	// topic. Re-announce immediately so entities reappear without waiting
	// for the next republish tick.
	statusTopic := fmt.Sprintf("%s/status", cfg.DiscoveryPrefix)
	if err := client.Subscribe(statusTopic, 1, func(_ *mqtt.Client, msg mqtt.Message) {
		if string(msg.Payload()) == "online" {
			log.Info("Discovery consumer came online, re-announcing entities")
			scheduler.TriggerAnnounce()
		}
	}); err != nil {
		log.Errorf("Failed to subscribe to %s: %v", statusTopic, err)
	}

	if err := scheduler.Run(ctx); err != nil {
		log.Fatalf("Exiting: %v", err)
	}
}
