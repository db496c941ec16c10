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

/*
Package stats keeps the counters of a PTP engine and reports them over HTTP,
as JSON and in Prometheus text format.

The engine publishes a snapshot of its counters from its own goroutine,
reporters only ever read snapshots.
*/
package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// ClockStateKey is the counter holding the numeric clock state
const ClockStateKey = "clock_state"

// Stats is a snapshot of engine counters safe for concurrent use
type Stats struct {
	mux        sync.Mutex
	counters   map[string]int64
	clockState string
}

// NewStats creates new instance of Stats
func NewStats() *Stats {
	return &Stats{
		counters: map[string]int64{},
	}
}

// SetCounter will set a counter to the provided value
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// UpdateCounterBy will increment counter
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounters stores every numeric field of v, named after its json tag and prefixed with prefix
func (s *Stats) SetCounters(prefix string, v any) error {
	flat, err := Flatten(prefix, v)
	if err != nil {
		return err
	}
	s.mux.Lock()
	for k, val := range flat {
		s.counters[k] = val
	}
	s.mux.Unlock()
	return nil
}

// GetCounters returns a copy of all counters
func (s *Stats) GetCounters() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// SetClockState records the clock state both as a number and by name
func (s *Stats) SetClockState(state int64, name string) {
	s.mux.Lock()
	s.counters[ClockStateKey] = state
	s.clockState = name
	s.mux.Unlock()
}

// ClockState returns the last clock state recorded
func (s *Stats) ClockState() (int64, string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.counters[ClockStateKey], s.clockState
}

// Reset all the values of counters
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

// Flatten turns the json representation of v into counters.
// Nested objects are joined with dots, booleans become 0 or 1, anything else that is not a number is skipped.
func Flatten(prefix string, v any) (map[string]int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	res := map[string]int64{}
	flatten(prefix, m, res)
	return res, nil
}

func flatten(prefix string, m map[string]any, res map[string]int64) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				res[key] = i
			} else if f, err := val.Float64(); err == nil {
				res[key] = int64(f)
			}
		case bool:
			if val {
				res[key] = 1
			} else {
				res[key] = 0
			}
		case map[string]any:
			flatten(key, val, res)
		}
	}
}
