/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var clockStateDesc = prometheus.NewDesc(
	"ptpd_clock_state",
	"Clock state of the slave port, labelled with the state name",
	[]string{"state"}, nil,
)

// Collector exports Stats as Prometheus gauges
type Collector struct {
	stats *Stats
}

// NewCollector returns a Collector reading s
func NewCollector(s *Stats) *Collector {
	return &Collector{stats: s}
}

// Describe sends nothing: counters come and go at runtime, so the collector is unchecked
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect sends a gauge per counter
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	state, name := c.stats.ClockState()
	if name != "" {
		ch <- prometheus.MustNewConstMetric(clockStateDesc, prometheus.GaugeValue, float64(state), name)
	}
	for k, v := range c.stats.GetCounters() {
		if k == ClockStateKey {
			continue
		}
		desc := prometheus.NewDesc("ptpd_"+flattenKey(k), k, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
