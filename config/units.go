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
	"fmt"
	"strings"
)

// RateUnit is a display unit for network throughput. Raw values are
// measured in bytes per second and divided by Divisor at publish time.
type RateUnit struct {
	Label   string
	Divisor float64
}

var rateUnits = []RateUnit{
	{Label: "B/s", Divisor: 1},
	{Label: "kB/s", Divisor: 1_000},
	{Label: "MB/s", Divisor: 1_000_000},
	{Label: "GB/s", Divisor: 1_000_000_000},
}

// ParseRateUnit resolves a unit label to its RateUnit. Matching is case
// insensitive so that environment-sourced values like "mb/s" work.
func ParseRateUnit(label string) (RateUnit, error) {
	for _, u := range rateUnits {
		if strings.EqualFold(u.Label, label) {
			return u, nil
		}
	}
	return RateUnit{}, fmt.Errorf("unknown network speed unit %q (valid units: B/s, kB/s, MB/s, GB/s)", label)
}

// Convert scales a raw bytes-per-second value to this unit.
func (u RateUnit) Convert(bytesPerSecond float64) float64 {
	return bytesPerSecond / u.Divisor
}
