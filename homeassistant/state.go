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
	"strconv"

	log "github.com/sirupsen/logrus"
)

// PublishValues publishes one non-retained state message per sensor that
// has a value in the map. A sensor missing from the map is skipped for
// this tick: absence means the reading was unavailable, which is not the
// same as zero. Values for unknown keys are ignored.
func (p *Publisher) PublishValues(values map[string]interface{}) {
	published := 0
	for _, sensor := range p.sensors {
		val, ok := values[sensor.Key]
		if !ok {
			continue
		}
		formatted, err := p.FormatValue(sensor, val)
		if err != nil {
			log.Warnf("skipping state for %s: %v", sensor.Key, err)
			continue
		}
		p.client.Publish(StateTopic(p.topicPrefix, p.identity.ID, sensor.Key), 0, false, []byte(formatted))
		published++
	}
	log.Debugf("published %d of %d sensor states", published, len(p.sensors))
}

// FormatValue renders a raw value for the wire. Numeric values are
// formatted to the sensor's precision; rate metrics are converted from
// raw bytes per second to the configured display unit here, so the same
// measurements can be redisplayed under a different unit without
// touching the collector.
func (p *Publisher) FormatValue(sensor Sensor, val interface{}) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case float64:
		if sensor.RateMetric {
			v = p.rateUnit.Convert(v)
		}
		return strconv.FormatFloat(v, 'f', sensor.Precision, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", val)
	}
}
