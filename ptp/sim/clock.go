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

package sim

import (
	"time"
)

const simMaxFreq = 500000.0

// Clock is a simulated local clock. It runs off network time with a constant
// frequency error plus whatever adjustment the servo applied.
type Clock struct {
	net *Network

	// phase is the clock error at the last update, in ns
	phase      float64
	lastUpdate time.Duration
	drift      float64
	adj        float64
	steps      int
}

// update folds the error accumulated since the last update into phase
func (c *Clock) update() {
	now := c.net.now
	c.phase += float64(now-c.lastUpdate) * (c.drift + c.adj) / 1e9
	c.lastUpdate = now
}

// Offset returns how far the clock is from network time
func (c *Clock) Offset() time.Duration {
	c.update()
	return time.Duration(c.phase)
}

// Now returns current time of the clock
func (c *Clock) Now() time.Time {
	return c.net.epoch.Add(c.net.now + c.Offset())
}

// Step moves the clock by step
func (c *Clock) Step(step time.Duration) error {
	c.update()
	c.phase += float64(step)
	c.steps++
	return nil
}

// Steps returns how many times the clock was stepped
func (c *Clock) Steps() int {
	return c.steps
}

// AdjFreqPPB sets frequency adjustment
func (c *Clock) AdjFreqPPB(freqPPB float64) error {
	c.update()
	c.adj = freqPPB
	return nil
}

// FrequencyPPB returns current frequency adjustment
func (c *Clock) FrequencyPPB() (float64, error) {
	return c.adj, nil
}

// MaxFreqPPB returns maximum frequency adjustment
func (c *Clock) MaxFreqPPB() (float64, error) {
	return simMaxFreq, nil
}

// FreqError returns the remaining frequency error in ppb
func (c *Clock) FreqError() float64 {
	return c.drift + c.adj
}
