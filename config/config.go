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

package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	LogLevel          string
	Bind              string
	MQTTURL           string
	ClientID          string
	TopicPrefix       string
	DiscoveryPrefix   string
	PublishInterval   int
	RepublishInterval int
	NetUnit           string
	NetInterface      string
	DeviceName        string

	// Fake device mode: substitute identity fields without touching
	// the metric acquisition path.
	FakeDevice       bool
	FakeIdentifiers  string
	FakeManufacturer string
	FakeModel        string
	FakeModelID      string
	FakeSerial       string
	FakeHWVersion    string
	FakeSWInfo       string
	FakeConfigURL    string
	FakeArea         string
	FakeViaDevice    string
}

// Load parses command-line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.LogLevel, "log-level", lookupEnvOrString("HOST_MATE_LOG_LEVEL", "INFO"), "logging level")
	flag.StringVar(&cfg.Bind, "bind", lookupEnvOrString("HOST_MATE_BIND", "0.0.0.0:2112"), "address to bind for healthz and prometheus metrics endpoints (default 0.0.0.0:2112), or \"false\" to disable")
	flag.StringVar(&cfg.MQTTURL, "mqtt", lookupEnvOrString("HOST_MATE_MQTT", "mqtt://localhost:1883"), "MQTT URI, in the format mqtt[s]://[<user>:<password>]@<host>:<port>")
	flag.StringVar(&cfg.ClientID, "client-id", lookupEnvOrString("HOST_MATE_CLIENT_ID", ""), "MQTT client ID (default: host-mate-<device id>)")
	flag.StringVar(&cfg.TopicPrefix, "topic-prefix", lookupEnvOrString("HOST_MATE_TOPIC_PREFIX", "host-mate"), "topic prefix for state and availability messages")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", lookupEnvOrString("HOST_MATE_DISCOVERY_PREFIX", "homeassistant"), "Home Assistant discovery topic prefix")
	flag.IntVar(&cfg.PublishInterval, "publish-interval", lookupEnvOrInt("HOST_MATE_PUBLISH_INTERVAL", 5), "state publish interval in seconds")
	flag.IntVar(&cfg.RepublishInterval, "republish-interval", lookupEnvOrInt("HOST_MATE_REPUBLISH_INTERVAL", 300), "discovery republish interval in seconds")
	flag.StringVar(&cfg.NetUnit, "net-unit", lookupEnvOrString("HOST_MATE_NET_UNIT", "kB/s"), "network speed display unit (B/s, kB/s, MB/s, GB/s)")
	flag.StringVar(&cfg.NetInterface, "net-interface", lookupEnvOrString("HOST_MATE_NET_INTERFACE", ""), "network interface to monitor (default: first active non-loopback interface)")
	flag.StringVar(&cfg.DeviceName, "device-name", lookupEnvOrString("HOST_MATE_DEVICE_NAME", ""), "device name (default: hostname)")

	flag.BoolVar(&cfg.FakeDevice, "fake-device", lookupEnvOrBool("HOST_MATE_FAKE_DEVICE", false), "enable fake device mode, substituting the identity fields below for real hardware values")
	flag.StringVar(&cfg.FakeIdentifiers, "fake-identifiers", lookupEnvOrString("HOST_MATE_FAKE_IDENTIFIERS", ""), "comma separated device identifiers for fake device mode")
	flag.StringVar(&cfg.FakeManufacturer, "fake-manufacturer", lookupEnvOrString("HOST_MATE_FAKE_MANUFACTURER", ""), "device manufacturer for fake device mode")
	flag.StringVar(&cfg.FakeModel, "fake-model", lookupEnvOrString("HOST_MATE_FAKE_MODEL", ""), "device model for fake device mode")
	flag.StringVar(&cfg.FakeModelID, "fake-model-id", lookupEnvOrString("HOST_MATE_FAKE_MODEL_ID", ""), "device model ID for fake device mode")
	flag.StringVar(&cfg.FakeSerial, "fake-serial", lookupEnvOrString("HOST_MATE_FAKE_SERIAL", ""), "device serial number for fake device mode")
	flag.StringVar(&cfg.FakeHWVersion, "fake-hw-version", lookupEnvOrString("HOST_MATE_FAKE_HW_VERSION", ""), "device hardware version for fake device mode")
	flag.StringVar(&cfg.FakeSWInfo, "fake-sw-info", lookupEnvOrString("HOST_MATE_FAKE_SW_INFO", ""), "device software info for fake device mode")
	flag.StringVar(&cfg.FakeConfigURL, "fake-config-url", lookupEnvOrString("HOST_MATE_FAKE_CONFIG_URL", ""), "device configuration URL for fake device mode")
	flag.StringVar(&cfg.FakeArea, "fake-area", lookupEnvOrString("HOST_MATE_FAKE_AREA", ""), "suggested area for fake device mode")
	flag.StringVar(&cfg.FakeViaDevice, "fake-via-device", lookupEnvOrString("HOST_MATE_FAKE_VIA_DEVICE", ""), "identifier of the device this device connects through, for fake device mode")
	flag.Parse()

	return cfg
}

// Validate checks the configuration for fatal errors and applies the
// republish interval clamp. It must be called after SetupLogging so the
// clamp warning is emitted at the configured level.
func (cfg *Config) Validate() error {
	if cfg.PublishInterval <= 0 {
		return fmt.Errorf("publish interval must be greater than zero, got %d", cfg.PublishInterval)
	}
	if cfg.RepublishInterval <= 0 {
		return fmt.Errorf("republish interval must be greater than zero, got %d", cfg.RepublishInterval)
	}
	if cfg.RepublishInterval < cfg.PublishInterval {
		log.Warnf("republish interval %ds is less than publish interval %ds, clamping to %ds",
			cfg.RepublishInterval, cfg.PublishInterval, cfg.PublishInterval)
		cfg.RepublishInterval = cfg.PublishInterval
	}
	if _, err := ParseRateUnit(cfg.NetUnit); err != nil {
		return err
	}
	uri, err := url.Parse(cfg.MQTTURL)
	if err != nil {
		return fmt.Errorf("invalid MQTT URI %q: %w", cfg.MQTTURL, err)
	}
	if uri.Host == "" {
		return fmt.Errorf("invalid MQTT URI %q: missing host", cfg.MQTTURL)
	}
	return nil
}

// SetupLogging configures the logging level
func (cfg *Config) SetupLogging() {
	log.SetFormatter(&log.TextFormatter{})
	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
}

func lookupEnvOrString(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func lookupEnvOrBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		return false
	}
	return defaultVal
}

func lookupEnvOrInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Warnf("ignoring non-numeric value %q for %s", val, key)
	}
	return defaultVal
}
