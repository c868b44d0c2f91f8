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

// Package device resolves the identity the agent advertises: the stable
// device slug plus the descriptive metadata embedded in every discovery
// payload. Identity is resolved exactly once at startup and never changes
// for the lifetime of the process, because changing the slug would orphan
// every entity previously registered under it.
package device

import (
	"errors"
	"strings"
	"unicode"
)

// ErrNoIdentity is returned when neither the hardware source nor the
// operator configuration yields a usable device ID.
var ErrNoIdentity = errors.New("no device identity could be resolved")

// Identity describes the device all metrics are published under.
// Immutable after Resolve.
type Identity struct {
	ID               string
	Name             string
	Identifiers      []string
	Manufacturer     string
	Model            string
	ModelID          string
	SerialNumber     string
	HardwareVersion  string
	SoftwareInfo     string
	ConfigurationURL string
	SuggestedArea    string
	ViaDevice        string
}

// HardwareInfo is the real-hardware identity source, read from the host
// at startup.
type HardwareInfo struct {
	Hostname        string
	Manufacturer    string
	Model           string
	ModelID         string
	SerialNumber    string
	HardwareVersion string
	SoftwareInfo    string
}

// Override carries the fake-device fields. When Enabled, each non-empty
// field replaces the corresponding hardware value; empty fields fall back
// to hardware. When not Enabled the whole struct is ignored.
type Override struct {
	Enabled          bool
	Identifiers      string
	Manufacturer     string
	Model            string
	ModelID          string
	SerialNumber     string
	HardwareVersion  string
	SoftwareInfo     string
	ConfigurationURL string
	SuggestedArea    string
	ViaDevice        string
}

// Resolve merges the hardware source with the operator overrides into the
// process-lifetime Identity. deviceName, when non-empty, replaces the
// hostname as the display name. The returned identity is deterministic
// for a given set of inputs.
func Resolve(hw HardwareInfo, deviceName string, ov Override) (*Identity, error) {
	name := deviceName
	if name == "" {
		name = hw.Hostname
	}
	id := Slug(name)
	if id == "" {
		return nil, ErrNoIdentity
	}

	ident := &Identity{
		ID:              id,
		Name:            name,
		Manufacturer:    hw.Manufacturer,
		Model:           hw.Model,
		ModelID:         hw.ModelID,
		SerialNumber:    hw.SerialNumber,
		HardwareVersion: hw.HardwareVersion,
		SoftwareInfo:    hw.SoftwareInfo,
	}

	if ov.Enabled {
		ident.Manufacturer = overlay(ov.Manufacturer, ident.Manufacturer)
		ident.Model = overlay(ov.Model, ident.Model)
		ident.ModelID = overlay(ov.ModelID, ident.ModelID)
		ident.SerialNumber = overlay(ov.SerialNumber, ident.SerialNumber)
		ident.HardwareVersion = overlay(ov.HardwareVersion, ident.HardwareVersion)
		ident.SoftwareInfo = overlay(ov.SoftwareInfo, ident.SoftwareInfo)
		ident.ConfigurationURL = ov.ConfigurationURL
		ident.SuggestedArea = ov.SuggestedArea
		ident.ViaDevice = ov.ViaDevice
		ident.Identifiers = SplitIdentifiers(ov.Identifiers)
	}

	if len(ident.Identifiers) == 0 {
		if ident.SerialNumber != "" {
			ident.Identifiers = []string{ident.SerialNumber}
		} else {
			ident.Identifiers = []string{ident.ID}
		}
	}

	return ident, nil
}

// Slug lowercases a name and maps every rune that is not a letter, digit
// or underscore to an underscore, matching the topic and unique ID
// conventions the discovery consumer expects. Returns "" when the input
// contains no letters or digits at all.
func Slug(name string) string {
	var b strings.Builder
	hasAlnum := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			hasAlnum = true
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if !hasAlnum {
		return ""
	}
	return b.String()
}

// SplitIdentifiers parses a comma-delimited identifier list, trimming
// whitespace and dropping duplicates while preserving first-seen order.
// The order is significant: the first identifier is what other devices
// reference in via_device links.
func SplitIdentifiers(list string) []string {
	if list == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(list, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func overlay(override, base string) string {
	if override != "" {
		return override
	}
	return base
}
